package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/aristath/swarmd/internal/backend"
	"github.com/aristath/swarmd/internal/config"
	"github.com/aristath/swarmd/internal/events"
	"github.com/aristath/swarmd/internal/persistence"
)

// ErrInvalidState is returned when a lifecycle change is not allowed from
// the current state.
var ErrInvalidState = errors.New("invalid daemon state change")

// ErrNotReady is returned by SpawnTask for a task that cannot be dispatched.
var ErrNotReady = errors.New("task is not ready")

// ErrAtCapacity is returned by SpawnTask when max_agents workers are already
// running.
var ErrAtCapacity = errors.New("max agents reached")

// Options configures a Coordinator.
type Options struct {
	SwarmDir string // State directory (.swarm)
	WorkDir  string // Working directory handed to workers; defaults to the parent of SwarmDir

	Config    *config.DaemonConfig
	Stores    *persistence.Stores         // Defaults to persistence.Open(SwarmDir)
	Processes backend.ProcessHandler      // Liveness and signalling
	Spawner   backend.Spawner             // Starts workers
	Executors map[string]backend.Executor // Defaults to the executors in Config

	Bus    *events.EventBus // Optional
	Logger *slog.Logger
	Retry  RetryConfig
	Now    func() time.Time
}

// Coordinator owns the daemon's view of the swarm: it reclaims tasks of dead
// agents, inserts gate tasks and dispatches ready tasks to new agents.
//
// All operations are serialized by one mutex. The coordinator holds no
// cached graph or registry; every operation loads the files it needs under
// the same locks the CLI uses, so both can mutate the swarm concurrently.
type Coordinator struct {
	mu sync.Mutex

	swarmDir string
	workDir  string

	cfg       *config.DaemonConfig
	stores    *persistence.Stores
	procs     backend.ProcessHandler
	spawner   backend.Spawner
	executors map[string]backend.Executor
	breakers  *BreakerRegistry
	cooldown  Cooldown
	retry     RetryConfig

	bus    *events.EventBus
	logger *slog.Logger
	now    func() time.Time

	state      State
	startedAt  time.Time
	ticks      uint64
	lastTick   time.Time
	lastReport *TickReport
}

// New creates a coordinator in the NotRunning state.
func New(opts Options) (*Coordinator, error) {
	if opts.SwarmDir == "" {
		return nil, errors.New("coordinator requires a swarm directory")
	}
	if opts.Processes == nil || opts.Spawner == nil {
		return nil, errors.New("coordinator requires a process handler and a spawner")
	}

	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	executors := opts.Executors
	if executors == nil {
		var err error
		executors, err = backend.NewAll(cfg.Executors)
		if err != nil {
			return nil, err
		}
	}

	stores := opts.Stores
	if stores == nil {
		stores = persistence.Open(opts.SwarmDir, logger)
	}

	workDir := opts.WorkDir
	if workDir == "" {
		workDir = filepath.Dir(opts.SwarmDir)
	}

	retry := opts.Retry
	if retry == (RetryConfig{}) {
		retry = DefaultRetryConfig()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Coordinator{
		swarmDir:  opts.SwarmDir,
		workDir:   workDir,
		cfg:       cfg,
		stores:    stores,
		procs:     opts.Processes,
		spawner:   opts.Spawner,
		executors: executors,
		breakers:  NewBreakerRegistry(cfg.Breaker, logger),
		cooldown:  NewCooldown(cfg.Cooldown),
		retry:     retry,
		bus:       opts.Bus,
		logger:    logger,
		now:       now,
	}, nil
}

// Config returns a copy of the active configuration.
func (c *Coordinator) Config() *config.DaemonConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Clone()
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState moves the coordinator to a new lifecycle state.
func (c *Coordinator) SetState(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setStateLocked(to)
}

func (c *Coordinator) setStateLocked(to State) error {
	from := c.state
	if from == to {
		return nil
	}
	if !canMove(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	c.state = to
	if to == StateRunning && from == StateStarting {
		c.startedAt = c.now()
	}
	c.logger.Info("daemon state changed", "from", from.String(), "to", to.String())
	c.bus.Emit(events.StateChangedEvent{From: from.String(), To: to.String(), Timestamp: c.now()})
	return nil
}

// Pause stops dispatching new agents. Cleanup of dead agents continues.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatePaused {
		return nil
	}
	return c.setStateLocked(StatePaused)
}

// Resume re-enables dispatching.
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRunning {
		return nil
	}
	if c.state != StatePaused {
		return fmt.Errorf("%w: cannot resume while %s", ErrInvalidState, c.state)
	}
	return c.setStateLocked(StateRunning)
}

// Reconfigure overlays p onto the active configuration. The new
// configuration is validated and its executors built before anything is
// replaced, so a bad request leaves the coordinator untouched.
func (c *Coordinator) Reconfigure(p *config.Partial) (*config.DaemonConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := p.Apply(c.cfg)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	executors, err := backend.NewAll(next.Executors)
	if err != nil {
		return nil, err
	}

	if next.Breaker != c.cfg.Breaker {
		c.breakers.Reset(next.Breaker)
	}
	c.cfg = next
	c.executors = executors
	c.cooldown = NewCooldown(next.Cooldown)
	c.logger.Info("configuration updated", "max_agents", next.MaxAgents, "executor", next.Executor,
		"auto_assign", next.AutoAssign, "auto_evaluate", next.AutoEvaluate)
	return next.Clone(), nil
}

// outputFile returns the log file of an agent.
func (c *Coordinator) outputFile(agentID string) string {
	return filepath.Join(c.swarmDir, "agents", agentID, "output.log")
}
