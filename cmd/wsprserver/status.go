package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/wsprdaemon/wsprserver/internal/daemon"
	"github.com/wsprdaemon/wsprserver/internal/metrics"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service state and counters",
	Long:  `Status reports, for each service, whether it is running and the most recent status snapshot.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		services := []string{serviceScraper, serviceIngest, serviceReflector}
		if statusJSON {
			return printStatusJSON(services)
		}
		for i, service := range services {
			if i > 0 {
				fmt.Println()
			}
			printServiceStatus(service)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print raw status snapshots as JSON")
	rootCmd.AddCommand(statusCmd)
}

func printStatusJSON(services []string) error {
	type serviceStatus struct {
		Service string            `json:"service"`
		Running bool              `json:"running"`
		PID     int               `json:"pid,omitempty"`
		Status  *metrics.Snapshot `json:"status,omitempty"`
	}
	out := make([]serviceStatus, 0, len(services))
	for _, service := range services {
		pid, running := daemon.IsRunning(cfg.RunDir, service)
		st := serviceStatus{Service: service, Running: running}
		if running {
			st.PID = pid
		}
		if snap, err := metrics.ReadStateFile(cfg.RunDir, service); err == nil {
			st.Status = snap
		}
		out = append(out, st)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printServiceStatus(service string) {
	pid, running := daemon.IsRunning(cfg.RunDir, service)
	if running {
		fmt.Printf("%s: running (pid %d)\n", service, pid)
	} else {
		fmt.Printf("%s: not running\n", service)
	}

	snap, err := metrics.ReadStateFile(cfg.RunDir, service)
	if err != nil {
		fmt.Println("  no status file")
		return
	}

	age := time.Since(snap.Timestamp)
	stale := ""
	if running && age > 30*time.Second {
		stale = fmt.Sprintf(" (stale, written %s ago)", age.Truncate(time.Second))
	}

	fmt.Printf("  Phase:    %s%s\n", snap.Phase, stale)
	fmt.Printf("  Elapsed:  %.0fs\n", snap.ElapsedSec)
	if snap.TotalRows > 0 {
		fmt.Printf("  Rows:     %d total, %.0f rows/s\n", snap.TotalRows, snap.RowsPerSec)
	}
	for _, k := range sortedKeys(snap.Counters) {
		fmt.Printf("  %-24s %d\n", k, snap.Counters[k])
	}
	for _, k := range sortedKeys(snap.Gauges) {
		fmt.Printf("  %-24s %d\n", k, snap.Gauges[k])
	}
	if snap.ErrorCount > 0 {
		fmt.Printf("  Errors:   %d (last: %s)\n", snap.ErrorCount, snap.LastError)
	}
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
