package main

import (
	"context"
	"errors"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/wsprdaemon/wsprserver/internal/chdb"
	"github.com/wsprdaemon/wsprserver/internal/metrics"
	"github.com/wsprdaemon/wsprserver/internal/scraper"
	"github.com/wsprdaemon/wsprserver/internal/spotcache"
	"github.com/wsprdaemon/wsprserver/internal/wsprnet"
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Run the wsprnet spot scraper",
	Long: `Scrape polls wsprnet.org for new spots and inserts them into
ClickHouse. While the database is unreachable, batches divert to a
disk cache and are replayed once it recovers, so upstream polling
never stalls on a database outage.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateScraper(); err != nil {
			return err
		}
		return runService(cmd.Context(), serviceScraper, runScrape)
	},
}

func init() {
	scrapeCmd.Flags().BoolVar(&daemonize, "daemon", false, "Run in the background")
	rootCmd.AddCommand(scrapeCmd)
}

func runScrape(ctx context.Context, collector *metrics.Collector) error {
	db, err := chdb.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	cache, err := spotcache.New(cfg.Scraper.CacheDir, chdb.IsTransient, logger)
	if err != nil {
		return err
	}

	client, err := wsprnet.NewClient(wsprnet.Options{
		BaseURL:  cfg.Scraper.BaseURL,
		Username: cfg.Scraper.Username,
		Password: cfg.Scraper.Password,
		Timeout:  cfg.Scraper.RequestTimeout(),
	}, logger)
	if err != nil {
		return err
	}

	var highWater uint64
	sess, err := wsprnet.LoadSession(cfg.Scraper.SessionFile, cfg.Scraper.SessionTTL())
	switch {
	case err == nil:
		client.RestoreSession(sess)
		highWater = sess.HighestSeenSpotID
	case errors.Is(err, wsprnet.ErrSessionStale):
		// Cookies are too old to reuse, but the high-water mark is
		// still the best resume point available.
		highWater = sess.HighestSeenSpotID
		logger.Info().Str("path", cfg.Scraper.SessionFile).Msg("persisted session expired, logging in fresh")
	case errors.Is(err, fs.ErrNotExist):
	default:
		logger.Warn().Err(err).Msg("could not read persisted session, logging in fresh")
	}

	return scraper.New(cfg.Scraper, db, client, cache, highWater, collector, logger).Run(ctx)
}
