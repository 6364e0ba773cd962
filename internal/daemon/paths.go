package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aristath/swarmd/internal/orchestrator"
)

func serviceDir(swarmDir string) string { return filepath.Join(swarmDir, "service") }

// LockPath is the single-instance lock file.
func LockPath(swarmDir string) string { return filepath.Join(serviceDir(swarmDir), "daemon.lock") }

// PIDPath holds the pid of the running daemon.
func PIDPath(swarmDir string) string { return filepath.Join(serviceDir(swarmDir), "daemon.pid") }

// StatePath holds the daemon's lifecycle state as JSON.
func StatePath(swarmDir string) string { return filepath.Join(serviceDir(swarmDir), "state.json") }

// LogPath receives the output of a daemon started in the background.
func LogPath(swarmDir string) string { return filepath.Join(serviceDir(swarmDir), "daemon.log") }

// StateFile is the content of the state file.
type StateFile struct {
	PID       int                `json:"pid"`
	State     orchestrator.State `json:"state"`
	StartedAt time.Time          `json:"started_at,omitzero"`
	Socket    string             `json:"socket"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func writeStateFile(path string, s StateFile) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadStateFile reads the state file of swarmDir.
func ReadStateFile(swarmDir string) (*StateFile, error) {
	data, err := os.ReadFile(StatePath(swarmDir))
	if err != nil {
		return nil, err
	}
	var s StateFile
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &s, nil
}

func writePID(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// ReadPID returns the pid recorded in the pid file.
func ReadPID(swarmDir string) (int, error) {
	data, err := os.ReadFile(PIDPath(swarmDir))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", PIDPath(swarmDir))
	}
	return pid, nil
}

// pidAlive reports whether a process with pid exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
