package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wsprdaemon/wsprserver/internal/daemon"
)

var stopCmd = &cobra.Command{
	Use:   "stop [scrape|ingest|reflect]",
	Short: "Stop a background service",
	Long: `Stop signals the named service (or every running service when no
name is given) with SIGTERM and waits for it to exit.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		services := []string{serviceScraper, serviceIngest, serviceReflector}
		if len(args) == 1 {
			service, err := serviceByName(args[0])
			if err != nil {
				return err
			}
			services = []string{service}
		}

		var failed bool
		for _, service := range services {
			if _, running := daemon.IsRunning(cfg.RunDir, service); !running {
				if len(args) == 1 {
					fmt.Printf("%s is not running\n", service)
				}
				continue
			}
			if err := daemon.Stop(cfg.RunDir, service); err != nil {
				fmt.Printf("%s: %v\n", service, err)
				failed = true
				continue
			}
			fmt.Printf("%s stopped\n", service)
		}
		if failed {
			return errors.New("some services did not stop cleanly")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

func serviceByName(arg string) (string, error) {
	switch arg {
	case "scrape", "scraper":
		return serviceScraper, nil
	case "ingest", "ingester":
		return serviceIngest, nil
	case "reflect", "reflector":
		return serviceReflector, nil
	}
	return "", fmt.Errorf("unknown service %q", arg)
}
