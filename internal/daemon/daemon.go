// Package daemon runs the coordinator as a single-instance background
// process: it owns the lock, pid and state files, serves the control socket
// and drives coordinator ticks from one event loop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/swarmd/internal/backend"
	"github.com/aristath/swarmd/internal/config"
	"github.com/aristath/swarmd/internal/control"
	"github.com/aristath/swarmd/internal/events"
	"github.com/aristath/swarmd/internal/metrics"
	"github.com/aristath/swarmd/internal/orchestrator"
	"github.com/aristath/swarmd/internal/persistence"
)

// ErrAlreadyRunning is returned by Run when another daemon holds the lock.
var ErrAlreadyRunning = errors.New("daemon already running")

// Processes starts workers and supervises them.
type Processes interface {
	backend.ProcessHandler
	backend.Spawner
}

// Options configures Run.
type Options struct {
	SwarmDir string
	WorkDir  string               // Defaults to the parent of SwarmDir
	Config   *config.DaemonConfig // Defaults to the merged config files of SwarmDir

	Processes Processes // Defaults to backend.NewOSProcesses
	Logger    *slog.Logger
	Now       func() time.Time
}

// daemon is the state of one Run.
type daemon struct {
	swarmDir string
	coord    *orchestrator.Coordinator
	server   *control.Server
	logger   *slog.Logger

	// Set by a shutdown request.
	stopping   bool
	killAgents bool
	forceKill  bool
}

// Run runs the daemon until ctx is cancelled or a shutdown request arrives.
// Only startup failures are returned; errors during a tick are logged.
func Run(ctx context.Context, opts Options) error {
	if opts.SwarmDir == "" {
		return errors.New("swarm directory is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(serviceDir(opts.SwarmDir), 0o755); err != nil {
		return err
	}

	lock := flock.New(LockPath(opts.SwarmDir))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		if pid, err := ReadPID(opts.SwarmDir); err == nil {
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		return ErrAlreadyRunning
	}
	defer lock.Unlock()

	cfg := opts.Config
	if cfg == nil {
		cfg, err = config.LoadDefault(opts.SwarmDir)
		if err != nil {
			return err
		}
	}

	pidPath := PIDPath(opts.SwarmDir)
	if err := writePID(pidPath, os.Getpid()); err != nil {
		return err
	}
	defer os.Remove(pidPath)

	procs := opts.Processes
	if procs == nil {
		procs = backend.NewOSProcesses(logger)
	}

	journal, err := persistence.OpenJournal(ctx, filepath.Join(opts.SwarmDir, persistence.JournalFile))
	if err != nil {
		return err
	}
	defer journal.Close()

	bus := events.NewEventBus()
	journalEvents := bus.SubscribeAll(1024)
	metricEvents := bus.SubscribeAll(1024)

	stores := persistence.Open(opts.SwarmDir, logger)
	coord, err := orchestrator.New(orchestrator.Options{
		SwarmDir:  opts.SwarmDir,
		WorkDir:   opts.WorkDir,
		Config:    cfg,
		Stores:    stores,
		Processes: procs,
		Spawner:   procs,
		Bus:       bus,
		Logger:    logger,
		Now:       opts.Now,
	})
	if err != nil {
		bus.Close()
		return err
	}

	d := &daemon{swarmDir: opts.SwarmDir, coord: coord, logger: logger}
	defer os.Remove(StatePath(opts.SwarmDir))
	if err := d.setState(orchestrator.StateStarting); err != nil {
		bus.Close()
		return err
	}

	d.server, err = control.Listen(control.SocketPath(opts.SwarmDir), cfg.RequestTimeout.D(), logger)
	if err != nil {
		bus.Close()
		return err
	}

	m := metrics.New(func() map[string]int {
		counts := make(map[string]int)
		g, err := stores.Graph.Load()
		if err != nil {
			return counts
		}
		for status, n := range g.CountByStatus() {
			counts[string(status)] = n
		}
		return counts
	})

	var metricsSrv *http.Server
	var metricsLn net.Listener
	if cfg.MetricsAddr != "" {
		metricsLn, err = net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			d.server.Close()
			bus.Close()
			return fmt.Errorf("metrics listener: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	if err := d.setState(orchestrator.StateRunning); err != nil {
		if metricsLn != nil {
			metricsLn.Close()
		}
		d.server.Close()
		bus.Close()
		return err
	}
	logger.Info("daemon started", "pid", os.Getpid(), "socket", d.server.Path(),
		"max_agents", cfg.MaxAgents, "metrics", cfg.MetricsAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer func() {
			d.shutdown()
			bus.Close()
			if metricsSrv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = metricsSrv.Shutdown(shutdownCtx)
			}
		}()
		return d.loop(gctx)
	})
	g.Go(func() error {
		return recordEvents(context.WithoutCancel(gctx), journal, journalEvents, logger)
	})
	g.Go(func() error {
		return m.Consume(context.WithoutCancel(gctx), metricEvents)
	})
	if metricsSrv != nil {
		g.Go(func() error {
			if err := metricsSrv.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	err = g.Wait()
	if dropped := bus.Dropped(); dropped > 0 {
		logger.Warn("events dropped by slow consumers", "count", dropped)
	}
	logger.Info("daemon stopped")
	return err
}

// loop alternates between control requests and ticks. A tick runs every
// tick_interval, and right away after graph_changed, resume, reconfigure or
// kill.
func (d *daemon) loop(ctx context.Context) error {
	nextTick := time.Now()
	for !d.stopping {
		if ctx.Err() != nil {
			return nil
		}
		cfg := d.coord.Config()

		if !time.Now().Before(nextTick) {
			d.tick(ctx)
			nextTick = time.Now().Add(cfg.TickInterval.D())
		}

		wait := min(cfg.PollInterval.D(), time.Until(nextTick))
		if wait <= 0 {
			wait = time.Millisecond
		}
		in, err := d.server.Poll(wait)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			d.logger.Warn("control socket accept failed", "error", err)
			continue
		}
		if in == nil {
			continue
		}

		resp, tickNow := d.handle(ctx, in.Request)
		if err := in.Reply(resp); err != nil {
			d.logger.Debug("failed to reply to control request", "kind", in.Request.Kind, "error", err)
		}
		if tickNow {
			nextTick = time.Now()
		}
	}
	return nil
}

func (d *daemon) tick(ctx context.Context) {
	report, err := d.coord.Tick(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("tick failed", "error", err)
		}
		return
	}
	if len(report.Dispatched)+len(report.Reclaimed)+len(report.SpawnFailures)+len(report.Gated) > 0 {
		d.logger.Info("tick", "tick", report.Tick, "dispatched", len(report.Dispatched),
			"reclaimed", len(report.Reclaimed), "gated", len(report.Gated),
			"spawn_failures", len(report.SpawnFailures), "working", report.Working)
	}
}

// shutdown stops the coordinator, optionally killing the working agents,
// and closes the control socket.
func (d *daemon) shutdown() {
	if err := d.setState(orchestrator.StateStopping); err != nil {
		d.logger.Warn("state change failed", "error", err)
	}
	if d.killAgents {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := d.coord.StopAll(ctx, d.forceKill); err != nil {
			d.logger.Warn("failed to stop some agents", "error", err)
		}
		cancel()
	}
	if err := d.server.Close(); err != nil {
		d.logger.Debug("closing control socket", "error", err)
	}
	if err := d.setState(orchestrator.StateStopped); err != nil {
		d.logger.Warn("state change failed", "error", err)
	}
}

// setState moves the coordinator and rewrites the state file.
func (d *daemon) setState(s orchestrator.State) error {
	if err := d.coord.SetState(s); err != nil {
		return err
	}
	return d.writeState()
}

func (d *daemon) writeState() error {
	st, err := d.coord.Status()
	if err != nil {
		// The state file reflects the lifecycle; unreadable task files must not block it.
		st = &orchestrator.StatusReport{State: d.coord.State()}
	}
	sf := StateFile{
		PID:       os.Getpid(),
		State:     d.coord.State(),
		StartedAt: st.StartedAt,
		Socket:    control.SocketPath(d.swarmDir),
		UpdatedAt: time.Now(),
	}
	return writeStateFile(StatePath(d.swarmDir), sf)
}

// recordEvents appends coordinator events to the journal until ch closes.
// Idle ticks are not recorded.
func recordEvents(ctx context.Context, j *persistence.Journal, ch <-chan events.Event, logger *slog.Logger) error {
	for e := range ch {
		if t, ok := e.(events.TickCompletedEvent); ok &&
			t.Dispatched+t.Reclaimed+t.Gated+t.SpawnFailures == 0 {
			continue
		}
		entry := persistence.JournalEntry{
			Kind:    e.EventType(),
			TaskID:  e.TaskID(),
			AgentID: e.AgentID(),
			Message: e.Summary(),
		}
		if err := j.Record(ctx, entry); err != nil {
			logger.Warn("failed to journal event", "kind", entry.Kind, "error", err)
		}
	}
	return nil
}
