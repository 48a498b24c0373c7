package reflector

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/wsprdaemon/wsprserver/internal/appconfig"
)

// RsyncRunner shells out to rsync for each queued file. The ssh transport
// runs in batch mode so an unknown host or missing key fails the transfer
// instead of prompting.
type RsyncRunner struct {
	BandwidthLimitKbps int
	TimeoutS           int
	SSHKeyFile         string
}

func NewRsyncRunner(cfg appconfig.ReflectorConfig) *RsyncRunner {
	return &RsyncRunner{
		BandwidthLimitKbps: cfg.BandwidthLimitKbps,
		TimeoutS:           cfg.TransferTimeoutS,
		SSHKeyFile:         cfg.SSHKeyFile,
	}
}

func (r *RsyncRunner) Transfer(ctx context.Context, localPath string, dest appconfig.Destination) error {
	cmd := exec.CommandContext(ctx, "rsync", r.args(localPath, dest)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("rsync: %w: %s", err, msg)
		}
		return fmt.Errorf("rsync: %w", err)
	}
	return nil
}

func (r *RsyncRunner) args(localPath string, dest appconfig.Destination) []string {
	args := []string{"-a", "--partial"}
	if r.TimeoutS > 0 {
		args = append(args, fmt.Sprintf("--timeout=%d", r.TimeoutS))
	}
	if r.BandwidthLimitKbps > 0 {
		args = append(args, fmt.Sprintf("--bwlimit=%d", r.BandwidthLimitKbps))
	}
	ssh := "ssh -o StrictHostKeyChecking=no -o BatchMode=yes"
	if r.SSHKeyFile != "" {
		ssh = fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=no -o BatchMode=yes", r.SSHKeyFile)
	}
	args = append(args, "-e", ssh)

	target := dest.Host
	if dest.User != "" {
		target = dest.User + "@" + dest.Host
	}
	return append(args, localPath, fmt.Sprintf("%s:%s/", target, strings.TrimSuffix(dest.Path, "/")))
}
