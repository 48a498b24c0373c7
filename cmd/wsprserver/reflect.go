package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/wsprdaemon/wsprserver/internal/metrics"
	"github.com/wsprdaemon/wsprserver/internal/reflector"
)

var reflectCmd = &cobra.Command{
	Use:   "reflect",
	Short: "Mirror uploaded archives to the other servers",
	Long: `Reflect watches the upload spool and fans every new archive out to
a per-destination queue with hard links, then rsyncs each queue to its
server. A file leaves its queue only after a clean transfer, so a slow
or dead destination never blocks the others.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.ValidateReflector(); err != nil {
			return err
		}
		return runService(cmd.Context(), serviceReflector, runReflect)
	},
}

func init() {
	reflectCmd.Flags().BoolVar(&daemonize, "daemon", false, "Run in the background")
	rootCmd.AddCommand(reflectCmd)
}

func runReflect(ctx context.Context, collector *metrics.Collector) error {
	runner := reflector.NewRsyncRunner(cfg.Reflector)
	return reflector.New(cfg.Reflector, runner, collector, logger).Run(ctx)
}
