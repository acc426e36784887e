package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/useai-dev/useaid"
)

const pidFileName = "daemon.pid"

// pidFile records which process owns the port, for the bind-contention
// takeover and for CLI status checks.
type pidFile struct {
	PID       int    `json:"pid"`
	Port      int    `json:"port"`
	StartedAt string `json:"started_at"`
}

func writePIDFile(dir string, pid, port int, startedAt time.Time) error {
	data, err := json.MarshalIndent(pidFile{
		PID:       pid,
		Port:      port,
		StartedAt: useaid.Timestamp(startedAt),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal pid file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, pidFileName), append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

func readPIDFile(dir string) (*pidFile, error) {
	data, err := os.ReadFile(filepath.Join(dir, pidFileName))
	if err != nil {
		return nil, err
	}
	var pf pidFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse pid file: %w", err)
	}
	return &pf, nil
}

func removePIDFile(dir string) {
	os.Remove(filepath.Join(dir, pidFileName))
}

// RunningAddr returns the listen address recorded in daemon.pid, for
// clients that want to reach an already-running daemon. The address is
// only as fresh as the pid file; callers should treat a refused
// connection as "not running".
func RunningAddr(rootDir string) (string, bool) {
	pf, err := readPIDFile(rootDir)
	if err != nil || pf.Port <= 0 {
		return "", false
	}
	return fmt.Sprintf("127.0.0.1:%d", pf.Port), true
}
