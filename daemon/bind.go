package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/useai-dev/useaid"
)

// bindAttempts is how many times the daemon tries to take the address
// back from a dead or different-version occupant before giving up.
const bindAttempts = 3

// bind listens on addr. When the address is taken, a healthy occupant of
// the same version means this instance is redundant: bind returns
// (nil, nil) and the caller exits cleanly. Any other occupant gets a
// SIGTERM via its pid file and the bind is retried. After bindAttempts
// failures the daemon still exits cleanly; a service manager must never
// read bind contention as a crash loop.
func (d *Daemon) bind(ctx context.Context, addr string) (net.Listener, error) {
	var lastErr error
	for attempt := 1; attempt <= bindAttempts; attempt++ {
		listener, err := net.Listen("tcp", addr)
		if err == nil {
			return listener, nil
		}
		lastErr = err

		if version, ok := d.probeHealth(ctx, addr); ok {
			if version == useaid.Version {
				d.logger.Info("daemon already running", "addr", addr, "version", version)
				return nil, nil
			}
			d.logger.Warn("replacing daemon of different version", "addr", addr, "running", version, "this", useaid.Version)
		}
		d.evictOccupant(addr)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
	d.logger.Error("failed to bind, exiting cleanly", "addr", addr, "error", lastErr)
	return nil, nil
}

// probeHealth asks the occupant of addr for its version.
func (d *Daemon) probeHealth(ctx context.Context, addr string) (string, bool) {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/health", addr), nil)
	if err != nil {
		return "", false
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	var health struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return "", false
	}
	return health.Version, true
}

// evictOccupant signals the process named by the pid file. Takedown is
// best-effort; the retry loop observes the result through the next bind.
func (d *Daemon) evictOccupant(addr string) {
	pf, err := readPIDFile(d.root)
	if err != nil || pf.PID <= 0 || pf.PID == os.Getpid() {
		return
	}
	proc, err := os.FindProcess(pf.PID)
	if err != nil {
		return
	}
	d.logger.Warn("terminating stale daemon", "pid", pf.PID, "addr", addr)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		d.logger.Debug("failed to signal stale daemon", "pid", pf.PID, "error", err)
	}
}
