package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/swarmd/internal/backend"
	"github.com/aristath/swarmd/internal/config"
)

// RetryConfig configures the short retry of transient spawn errors.
type RetryConfig struct {
	InitialInterval time.Duration // Initial retry interval (default 50ms)
	MaxInterval     time.Duration // Maximum retry interval (default 500ms)
	MaxRetries      uint64        // Retries after the first attempt (default 3)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
		MaxRetries:      3,
	}
}

// BreakerRegistry manages per-executor circuit breakers. A breaker opens
// after a run of consecutive spawn failures so a broken CLI stops being
// launched for every ready task on every tick.
type BreakerRegistry struct {
	logger *slog.Logger

	mu       sync.Mutex
	settings config.BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a new circuit breaker registry.
func NewBreakerRegistry(cfg config.BreakerConfig, logger *slog.Logger) *BreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &BreakerRegistry{
		logger:   logger,
		settings: cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for the given executor.
// Creates a new one if it doesn't exist.
func (r *BreakerRegistry) Get(executor string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[executor]; ok {
		return cb
	}

	failures := r.settings.Failures
	if failures == 0 {
		failures = 5
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        executor,
		MaxRequests: 1, // One trial spawn in half-open state
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.settings.OpenTimeout.D(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Warn("executor circuit breaker", "executor", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Shutdown is not an executor failure
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	r.breakers[executor] = cb
	return cb
}

// Reset drops all breakers and applies new settings to the ones created later.
func (r *BreakerRegistry) Reset(cfg config.BreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = cfg
	r.breakers = make(map[string]*gobreaker.CircuitBreaker)
}

// States returns the state of every breaker created so far.
func (r *BreakerRegistry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.State().String()
	}
	return out
}

// transientSpawnError reports errors worth retrying right away: the kernel
// was briefly out of processes or the binary was being replaced.
func transientSpawnError(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ETXTBSY)
}

// spawnWithRetry starts cmd through the executor's circuit breaker, retrying
// transient errors with exponential backoff. Any other error is returned at once.
func spawnWithRetry(ctx context.Context, sp backend.Spawner, cmd backend.Command, cb *gobreaker.CircuitBreaker, retryCfg RetryConfig) (int, error) {
	var pid int

	operation := func() error {
		// Check context first - fail fast if cancelled
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return sp.Spawn(cmd)
		})
		if err != nil {
			// Circuit is open - don't retry
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if !transientSpawnError(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		pid = result.(int)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = retryCfg.InitialInterval
	policy.MaxInterval = retryCfg.MaxInterval
	policy.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, retryCfg.MaxRetries), ctx))
	return pid, err
}

// Cooldown computes how long a task waits before the next dispatch attempt
// after n consecutive spawn failures: initial * multiplier^(n-1), capped at max.
type Cooldown struct {
	cfg config.CooldownConfig
}

// NewCooldown returns the cooldown curve for cfg.
func NewCooldown(cfg config.CooldownConfig) Cooldown {
	return Cooldown{cfg: cfg}
}

// Delay returns the wait after n consecutive failures.
func (c Cooldown) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.Initial.D(),
		RandomizationFactor: 0,
		Multiplier:          c.cfg.Multiplier,
		MaxInterval:         c.cfg.Max.D(),
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.Reset()

	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}
