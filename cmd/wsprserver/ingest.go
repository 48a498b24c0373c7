package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/wsprdaemon/wsprserver/internal/chdb"
	"github.com/wsprdaemon/wsprserver/internal/ingest"
	"github.com/wsprdaemon/wsprserver/internal/metrics"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run the upload archive ingester",
	Long: `Ingest drains wsprdaemon upload archives from the incoming spool:
each archive is claimed, extracted, parsed, and its extended-spot and
noise rows inserted into ClickHouse. Unreadable archives move to the
quarantine directory; transient database failures are retried with a
bounded budget.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateIngest(); err != nil {
			return err
		}
		return runService(cmd.Context(), serviceIngest, runIngest)
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&daemonize, "daemon", false, "Run in the background")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(ctx context.Context, collector *metrics.Collector) error {
	db, err := chdb.Open(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	return ingest.New(cfg.Ingest, db, collector, logger).Run(ctx)
}
