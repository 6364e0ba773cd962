package backend

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// ProcessHandler abstracts OS process liveness and signalling so the
// coordinator can be tested without real processes.
type ProcessHandler interface {
	IsAlive(pid int) bool
	Terminate(pid int) error
	Kill(pid int) error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(cmd Command) (pid int, err error)
}

// newCommand creates an exec.Cmd with process group isolation.
// The Setpgid: true flag puts the worker in its own process group, so
// signals sent to the daemon's group do not reach it and the whole worker
// tree can be signalled at once.
func newCommand(name string, args ...string) *exec.Cmd {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	return cmd
}

// OSProcesses spawns workers as real child processes and tracks the ones it
// started. A reaper goroutine waits on every child, so an exited child is
// reported dead instead of lingering as a zombie that still answers signal 0.
//
// Processes started by an earlier daemon are not tracked and are probed with
// signal 0 only.
type OSProcesses struct {
	logger *slog.Logger

	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewOSProcesses creates a new OSProcesses.
func NewOSProcesses(logger *slog.Logger) *OSProcesses {
	if logger == nil {
		logger = slog.Default()
	}
	return &OSProcesses{
		logger: logger,
		procs:  make(map[int]*exec.Cmd),
	}
}

// Spawn starts cmd detached in its own process group with stdout and stderr
// appended to cmd.OutputFile. It returns as soon as the process has started.
func (p *OSProcesses) Spawn(c Command) (int, error) {
	if c.Path == "" {
		return 0, errors.New("spawn: empty command")
	}

	out, err := openOutput(c.OutputFile)
	if err != nil {
		return 0, err
	}

	cmd := newCommand(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		out.Close()
		return 0, fmt.Errorf("failed to start %s: %w", c.Path, err)
	}

	pid := cmd.Process.Pid
	p.mu.Lock()
	p.procs[pid] = cmd
	p.mu.Unlock()

	go p.reap(pid, cmd, out)
	return pid, nil
}

func (p *OSProcesses) reap(pid int, cmd *exec.Cmd, out *os.File) {
	err := cmd.Wait()
	out.Close()

	p.mu.Lock()
	delete(p.procs, pid)
	p.mu.Unlock()

	if err != nil {
		p.logger.Info("worker exited", "pid", pid, "error", err)
	} else {
		p.logger.Info("worker exited", "pid", pid)
	}
}

func openOutput(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}
	return f, nil
}

// IsAlive reports whether pid refers to a running process.
func (p *OSProcesses) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p.mu.Lock()
	_, tracked := p.procs[pid]
	p.mu.Unlock()
	if tracked {
		return true
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// Terminate asks the process group of pid to exit.
func (p *OSProcesses) Terminate(pid int) error {
	return signalGroup(pid, syscall.SIGTERM)
}

// Kill forcibly terminates the process group of pid.
func (p *OSProcesses) Kill(pid int) error {
	return signalGroup(pid, syscall.SIGKILL)
}

// signalGroup signals the whole group led by pid, falling back to pid alone
// when it does not lead a group. A process that is already gone is not an error.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to signal process %d: %w", pid, err)
	}
	return nil
}

// KillAll terminates all tracked worker process groups.
// Called during shutdown when agents should not outlive the daemon.
func (p *OSProcesses) KillAll() error {
	p.mu.Lock()
	pids := make([]int, 0, len(p.procs))
	for pid := range p.procs {
		pids = append(pids, pid)
	}
	p.mu.Unlock()

	var errs []error
	for _, pid := range pids {
		if err := signalGroup(pid, syscall.SIGKILL); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of tracked processes that have not exited.
func (p *OSProcesses) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.procs)
}

// stopPollInterval is how often StopProcess checks whether the process is gone.
var stopPollInterval = 50 * time.Millisecond

// StopProcess terminates pid gracefully and kills it if it is still alive
// after grace. It reports whether the kill was needed.
func StopProcess(h ProcessHandler, pid int, grace time.Duration) (forced bool, err error) {
	if !h.IsAlive(pid) {
		return false, nil
	}
	if err := h.Terminate(pid); err != nil {
		return false, err
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !h.IsAlive(pid) {
			return false, nil
		}
		time.Sleep(stopPollInterval)
	}
	if !h.IsAlive(pid) {
		return false, nil
	}
	return true, h.Kill(pid)
}
