package main

import (
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wsprdaemon/wsprserver/internal/appconfig"
	"github.com/wsprdaemon/wsprserver/internal/logging"
)

// Service names used for pid files, status files and log prefixes.
const (
	serviceScraper   = "scraper"
	serviceIngest    = "ingest"
	serviceReflector = "reflector"
)

var (
	cfg        appconfig.Config
	logger     zerolog.Logger
	logCloser  io.Closer
	configPath string
	daemonize  bool
)

var rootCmd = &cobra.Command{
	Use:   "wsprserver",
	Short: "WSPR spot collection and mirroring services",
	Long: `wsprserver is the server side of a wsprdaemon network.
It scrapes new spots from wsprnet.org into ClickHouse, ingests the
extended-spot and noise archives uploaded by receiver sites, and
mirrors uploaded archives to the other servers in the group.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = appconfig.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("verbosity") {
			cfg.Logging.Verbosity, _ = cmd.Flags().GetInt("verbosity")
		}
		if cmd.Flags().Changed("log-format") {
			cfg.Logging.Format, _ = cmd.Flags().GetString("log-format")
		}
		if cmd.Flags().Changed("log-file") {
			cfg.Logging.File, _ = cmd.Flags().GetString("log-file")
		}
		logger, logCloser = logging.Setup(cfg.Logging)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&configPath, "config", "c", "", "Config file (default: ./wsprserver.toml, ~/.wsprdaemon/wsprserver.toml, /etc/wsprdaemon/wsprserver.toml)")
	f.IntP("verbosity", "v", 1, "Log verbosity (0=warn, 1=info, 2=debug, 3=trace)")
	f.String("log-format", "auto", "Log format (auto, console, json)")
	f.String("log-file", "", "Append logs to this size-rotated file instead of stderr")
}
