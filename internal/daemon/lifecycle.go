package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/aristath/swarmd/internal/control"
	"github.com/aristath/swarmd/internal/orchestrator"
)

// ErrNotRunning is returned by Stop when no daemon is running.
var ErrNotRunning = control.ErrNotRunning

// Status asks the running daemon for its status. When the socket does not
// answer, the pid and state files are used instead: a live pid reports the
// daemon as running with the recorded state and no counts.
func Status(ctx context.Context, swarmDir string, timeout time.Duration) (*orchestrator.StatusReport, error) {
	var st orchestrator.StatusReport
	err := control.NewClient(swarmDir, timeout).Call(ctx, &control.Request{Kind: control.KindStatus}, &st)
	if err == nil {
		return &st, nil
	}

	var remote *control.RemoteError
	if errors.As(err, &remote) {
		return nil, err
	}

	pid, perr := ReadPID(swarmDir)
	if perr != nil || !pidAlive(pid) {
		return &orchestrator.StatusReport{State: orchestrator.StateNotRunning}, nil
	}
	fallback := &orchestrator.StatusReport{Running: true, PID: pid, State: orchestrator.StateRunning}
	if sf, serr := ReadStateFile(swarmDir); serr == nil && sf.PID == pid {
		fallback.State = sf.State
		fallback.Paused = sf.State == orchestrator.StatePaused
		fallback.StartedAt = sf.StartedAt
	}
	return fallback, nil
}

// Stop asks the daemon to shut down and waits until it released its lock.
// When the socket does not answer but the pid file names a live process, the
// process gets SIGTERM instead.
func Stop(ctx context.Context, swarmDir string, killAgents, force bool, timeout time.Duration) error {
	client := control.NewClient(swarmDir, timeout)
	err := client.Call(ctx, &control.Request{Kind: control.KindShutdown, KillAgents: killAgents, Force: force}, nil)
	if errors.Is(err, control.ErrNotRunning) {
		pid, perr := ReadPID(swarmDir)
		if perr != nil || !pidAlive(pid) {
			return ErrNotRunning
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal daemon pid %d: %w", pid, err)
		}
	} else if err != nil {
		return err
	}
	return WaitStopped(ctx, swarmDir, timeout)
}

// WaitStopped polls the daemon lock until it is free or timeout elapses.
func WaitStopped(ctx context.Context, swarmDir string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lock := flock.New(LockPath(swarmDir))
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("daemon did not stop within %s", timeout)
		}
		return err
	}
	if locked {
		_ = lock.Unlock()
	}
	return nil
}

// BackgroundOptions configures StartBackground.
type BackgroundOptions struct {
	SwarmDir   string
	Executable string   // Defaults to os.Executable
	Args       []string // Arguments that run the daemon in the foreground
	Wait       time.Duration
}

// StartBackground starts the daemon as a detached process in its own
// session with its output appended to the daemon log, then waits until it
// answers on the control socket.
func StartBackground(ctx context.Context, opts BackgroundOptions) (int, error) {
	if st, err := Status(ctx, opts.SwarmDir, time.Second); err == nil && st.Running {
		return 0, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, st.PID)
	}

	exe := opts.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return 0, err
		}
	}
	if err := os.MkdirAll(serviceDir(opts.SwarmDir), 0o755); err != nil {
		return 0, err
	}
	logFile, err := os.OpenFile(LogPath(opts.SwarmDir), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	defer logFile.Close()

	cmd := exec.Command(exe, opts.Args...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	pid := cmd.Process.Pid

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	wait := opts.Wait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	client := control.NewClient(opts.SwarmDir, time.Second)
	for {
		select {
		case err := <-exited:
			return 0, fmt.Errorf("daemon exited during startup: %v%s", err, logTail(LogPath(opts.SwarmDir)))
		case <-deadline.C:
			return pid, fmt.Errorf("daemon (pid %d) did not answer within %s", pid, wait)
		case <-ctx.Done():
			return pid, ctx.Err()
		case <-ticker.C:
			if _, err := client.Send(ctx, &control.Request{Kind: control.KindStatus}); err == nil {
				return pid, nil
			}
		}
	}
}

// logTail returns the last lines of the daemon log for startup errors.
func logTail(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	const tailSize = 2048
	if fi, err := f.Stat(); err == nil && fi.Size() > tailSize {
		_, _ = f.Seek(-tailSize, io.SeekEnd)
	}
	data, _ := io.ReadAll(f)
	s := strings.TrimSpace(string(data))
	if s == "" {
		return ""
	}
	return "\n" + s
}
