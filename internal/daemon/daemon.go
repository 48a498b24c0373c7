// Package daemon handles PID files and backgrounding for the three
// long-running services. Each service keeps its own PID file under the
// configured run directory, so one host can run the scraper, the
// ingester and the reflector side by side.
package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const daemonEnv = "_WSPRSERVER_DAEMON"

// PIDPath returns the PID file for a service.
func PIDPath(runDir, service string) string {
	return filepath.Join(runDir, service+".pid")
}

// WritePID records the current process in the service's PID file.
func WritePID(runDir, service string) error {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(PIDPath(runDir, service), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// RemovePID removes the service's PID file.
func RemovePID(runDir, service string) {
	os.Remove(PIDPath(runDir, service)) //nolint:errcheck
}

// ReadPID reads the PID from the service's PID file. Returns 0 if not found.
func ReadPID(runDir, service string) (int, error) {
	data, err := os.ReadFile(PIDPath(runDir, service))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("corrupt PID file: %w", err)
	}
	return pid, nil
}

// IsRunning checks if the service's process is alive. A PID file left by
// a dead process is removed on the way.
func IsRunning(runDir, service string) (int, bool) {
	pid, err := ReadPID(runDir, service)
	if err != nil || pid == 0 {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	// Signal 0 checks if process exists without sending a signal.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		RemovePID(runDir, service)
		return pid, false
	}
	return pid, true
}

// Background re-execs the current binary with the daemon marker set,
// detaching stdin/stdout/stderr so the parent can exit. Output goes to
// logPath, or nowhere when logPath is empty.
func Background(logPath string, args []string) (int, error) {
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("resolve executable: %w", err)
	}

	if logPath == "" {
		logPath = os.DevNull
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log file: %w", err)
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	logFile.Close()

	return cmd.Process.Pid, nil
}

// IsDaemonProcess returns true if running as the backgrounded daemon child.
func IsDaemonProcess() bool {
	return os.Getenv(daemonEnv) == "1"
}

// Stop sends SIGTERM to the service and waits for it to exit.
func Stop(runDir, service string) error {
	pid, alive := IsRunning(runDir, service)
	if !alive {
		return fmt.Errorf("%s is not running", service)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM: %w", err)
	}
	// Wait up to 30s for exit.
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			RemovePID(runDir, service)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	// Force kill.
	_ = proc.Signal(syscall.SIGKILL)
	RemovePID(runDir, service)
	return nil
}
