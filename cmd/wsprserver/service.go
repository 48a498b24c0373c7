package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wsprdaemon/wsprserver/internal/daemon"
	"github.com/wsprdaemon/wsprserver/internal/metrics"
)

// runService wraps a service entry point with pid-file handling, status
// persistence and optional backgrounding. The --daemon path re-execs the
// same command line; the child sees the daemon marker and falls through
// to the foreground path inside its own session.
func runService(ctx context.Context, service string, run func(ctx context.Context, collector *metrics.Collector) error) error {
	if daemonize && !daemon.IsDaemonProcess() {
		logPath := cfg.Logging.File
		if logPath == "" {
			logPath = filepath.Join(cfg.RunDir, service+".log")
		}
		args := append([]string(nil), os.Args[1:]...)
		if cfg.Logging.File == "" && cfg.Logging.Format != "json" {
			// The child's stderr goes to a file, so skip the console writer.
			args = append(args, "--log-format", "json")
		}
		pid, err := daemon.Background(logPath, args)
		if err != nil {
			return fmt.Errorf("daemonize %s: %w", service, err)
		}
		fmt.Printf("%s started in background (pid %d, log %s)\n", service, pid, logPath)
		return nil
	}

	if pid, running := daemon.IsRunning(cfg.RunDir, service); running {
		return fmt.Errorf("%s already running (pid %d)", service, pid)
	}
	if err := daemon.WritePID(cfg.RunDir, service); err != nil {
		return err
	}
	defer daemon.RemovePID(cfg.RunDir, service)

	collector := metrics.NewCollector(service, logger)
	persister, err := metrics.NewStatePersister(collector, cfg.RunDir, logger)
	if err != nil {
		return err
	}
	persister.Start()
	defer persister.Stop()

	return run(ctx, collector)
}
