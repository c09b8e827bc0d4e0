package daemon

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// acquirePID claims the PID file for this process. An existing file is
// respected while the recorded process is alive, whether or not it
// answers its health endpoint; only a dead process makes the file a
// crash leftover that can be removed.
func (d *Daemon) acquirePID() error {
	pidFile := d.paths.PIDFile()
	if raw, err := os.ReadFile(pidFile); err == nil {
		pid, _ := strconv.Atoi(strings.TrimSpace(string(raw)))
		if pid > 0 && (d.healthy() || processAlive(pid)) {
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		os.Remove(pidFile)
	}
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o755); err != nil {
		return fmt.Errorf("creating pid directory: %w", err)
	}
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// healthy probes the configured address for a live daemon.
func (d *Daemon) healthy() bool {
	client := &http.Client{Timeout: 2 * time.Second}
	url := fmt.Sprintf("http://%s:%d/health", d.cfg.Daemon.Host, d.cfg.Daemon.Port)
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// processAlive reports whether a process with the given pid exists.
// Signal 0 performs the existence check without delivering anything.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}

func removePID(pidFile string) {
	os.Remove(pidFile)
}

// isBaselineEvent reports whether an absolute event path lies under the
// baseline directory of root.
func isBaselineEvent(root, absPath string) bool {
	rel, err := filepath.Rel(root, absPath)
	if err != nil {
		return false
	}
	return strings.HasPrefix(filepath.ToSlash(rel), "baseline/")
}
