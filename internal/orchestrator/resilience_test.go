package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/swarmd/internal/backend"
	"github.com/aristath/swarmd/internal/config"
)

// scriptedSpawner returns the configured results in order.
type scriptedSpawner struct {
	mu      sync.Mutex
	results []error // nil means success
	calls   int
}

func (s *scriptedSpawner) Spawn(cmd backend.Command) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.calls >= len(s.results) {
		return 0, fmt.Errorf("unexpected call %d (only %d results configured)", s.calls+1, len(s.results))
	}
	err := s.results[s.calls]
	s.calls++
	if err != nil {
		return 0, err
	}
	return 4000 + s.calls, nil
}

func (s *scriptedSpawner) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var fastRetry = RetryConfig{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxRetries:      3,
}

func testBreakers() *BreakerRegistry {
	return NewBreakerRegistry(config.BreakerConfig{Failures: 3, OpenTimeout: config.Duration(time.Minute)}, discardLogger())
}

// TestSpawnWithRetry_TransientThenSuccess verifies transient failures are retried.
func TestSpawnWithRetry_TransientThenSuccess(t *testing.T) {
	sp := &scriptedSpawner{results: []error{
		fmt.Errorf("fork/exec claude: %w", syscall.EAGAIN),
		fmt.Errorf("fork/exec claude: %w", syscall.ETXTBSY),
		nil,
	}}

	pid, err := spawnWithRetry(context.Background(), sp, backend.Command{Path: "claude"}, testBreakers().Get("claude"), fastRetry)
	if err != nil {
		t.Fatalf("expected success after retries, got error: %v", err)
	}
	if pid != 4003 {
		t.Errorf("pid = %d, want 4003", pid)
	}
	if sp.CallCount() != 3 {
		t.Errorf("expected 3 calls (2 failures + 1 success), got %d", sp.CallCount())
	}
}

// TestSpawnWithRetry_PermanentErrorNotRetried verifies a missing binary fails at once.
func TestSpawnWithRetry_PermanentErrorNotRetried(t *testing.T) {
	notFound := errors.New(`exec: "claude": executable file not found in $PATH`)
	sp := &scriptedSpawner{results: []error{notFound, nil}}

	_, err := spawnWithRetry(context.Background(), sp, backend.Command{Path: "claude"}, testBreakers().Get("claude"), fastRetry)
	if !errors.Is(err, notFound) {
		t.Fatalf("expected the spawn error, got %v", err)
	}
	if sp.CallCount() != 1 {
		t.Errorf("expected 1 call, got %d", sp.CallCount())
	}
}

// TestSpawnWithRetry_CircuitOpens verifies the breaker opens after
// consecutive failures and then rejects spawns without calling the spawner.
func TestSpawnWithRetry_CircuitOpens(t *testing.T) {
	fail := errors.New("boom")
	sp := &scriptedSpawner{results: []error{fail, fail, fail, nil}}
	cb := testBreakers().Get("codex")

	for i := 0; i < 3; i++ {
		if _, err := spawnWithRetry(context.Background(), sp, backend.Command{}, cb, fastRetry); !errors.Is(err, fail) {
			t.Fatalf("call %d: expected spawn error, got %v", i+1, err)
		}
	}
	if cb.State() != gobreaker.StateOpen {
		t.Fatalf("expected circuit to be open, got %v", cb.State())
	}

	_, err := spawnWithRetry(context.Background(), sp, backend.Command{}, cb, fastRetry)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("expected ErrOpenState, got %v", err)
	}
	if sp.CallCount() != 3 {
		t.Errorf("open circuit must not call the spawner, got %d calls", sp.CallCount())
	}
}

// TestSpawnWithRetry_ContextCancelled verifies a cancelled context stops
// spawning and is not counted against the executor.
func TestSpawnWithRetry_ContextCancelled(t *testing.T) {
	sp := &scriptedSpawner{}
	cb := testBreakers().Get("goose")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		_, err := spawnWithRetry(ctx, sp, backend.Command{}, cb, fastRetry)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("call %d: expected context.Canceled, got %v", i+1, err)
		}
	}
	if sp.CallCount() != 0 {
		t.Errorf("spawner called %d times with a cancelled context", sp.CallCount())
	}
	if cb.State() != gobreaker.StateClosed {
		t.Errorf("expected circuit to remain closed, got %v", cb.State())
	}
}

// TestBreakerRegistry_PerExecutor verifies circuit breakers are per executor.
func TestBreakerRegistry_PerExecutor(t *testing.T) {
	registry := testBreakers()

	cb1a := registry.Get("claude")
	cb1b := registry.Get("claude")
	cb2 := registry.Get("codex")

	if cb1a != cb1b {
		t.Error("expected same circuit breaker instance for 'claude'")
	}
	if cb1a == cb2 {
		t.Error("expected different circuit breaker instances for 'claude' and 'codex'")
	}
	if cb1a.Name() != "claude" || cb2.Name() != "codex" {
		t.Errorf("unexpected names %q, %q", cb1a.Name(), cb2.Name())
	}

	states := registry.States()
	if len(states) != 2 || states["claude"] != "closed" {
		t.Errorf("States() = %v", states)
	}

	registry.Reset(config.BreakerConfig{Failures: 1})
	if registry.Get("claude") == cb1a {
		t.Error("Reset should drop existing breakers")
	}
}

func TestCooldown_Delay(t *testing.T) {
	cd := NewCooldown(config.CooldownConfig{
		Initial:    config.Duration(30 * time.Second),
		Max:        config.Duration(10 * time.Minute),
		Multiplier: 2,
	})

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 8 * time.Minute},
		{6, 10 * time.Minute},
		{20, 10 * time.Minute},
	}

	for _, tt := range tests {
		if got := cd.Delay(tt.failures); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}
