package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
)

// ErrLocked is returned when a state file stays locked by another process
// past the retry budget.
var ErrLocked = errors.New("state file is locked")

var errContended = errors.New("lock contended")

// LockRetry bounds how long LockManager waits for another process to release
// a file lock.
type LockRetry struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// DefaultLockRetry waits a few seconds in total.
func DefaultLockRetry() LockRetry {
	return LockRetry{
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     250 * time.Millisecond,
		MaxRetries:      30,
	}
}

// LockManager provides per-file mutual exclusion for state files.
// Within a process it uses a keyed mutex: each path gets its own mutex,
// so different files can be written concurrently while writes to the same
// file are serialized. Across processes it holds an flock on "<path>.lock".
type LockManager struct {
	mu    sync.Mutex             // Guards the locks map itself
	locks map[string]*sync.Mutex // Per-file mutexes
	retry LockRetry
}

// NewLockManager creates a LockManager with the default retry budget.
func NewLockManager() *LockManager {
	return NewLockManagerWithRetry(DefaultLockRetry())
}

// NewLockManagerWithRetry creates a LockManager with a custom retry budget.
func NewLockManagerWithRetry(retry LockRetry) *LockManager {
	return &LockManager{
		locks: make(map[string]*sync.Mutex),
		retry: retry,
	}
}

func (m *LockManager) mutex(path string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[path]
	if !ok {
		l = &sync.Mutex{}
		m.locks[path] = l
	}
	return l
}

// Lock acquires the lock for path and returns the function that releases it.
func (m *LockManager) Lock(ctx context.Context, path string) (func(), error) {
	local := m.mutex(path)
	local.Lock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		local.Unlock()
		return nil, err
	}
	fl := flock.New(path + ".lock")
	if err := m.tryLock(ctx, fl); err != nil {
		local.Unlock()
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	return func() {
		_ = fl.Unlock()
		local.Unlock()
	}, nil
}

// LockAll acquires locks for all given paths.
// Paths are sorted before acquiring so two callers locking overlapping sets
// cannot deadlock. Locks are released in reverse order.
func (m *LockManager) LockAll(ctx context.Context, paths []string) (func(), error) {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}

	for i, path := range sorted {
		if i > 0 && path == sorted[i-1] {
			continue
		}
		unlock, err := m.Lock(ctx, path)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// tryLock polls the file lock with bounded exponential backoff.
func (m *LockManager) tryLock(ctx context.Context, fl *flock.Flock) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.retry.InitialInterval
	policy.MaxInterval = m.retry.MaxInterval
	policy.MaxElapsedTime = 0

	operation := func() error {
		locked, err := fl.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !locked {
			return errContended
		}
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, m.retry.MaxRetries), ctx))
	if errors.Is(err, errContended) {
		return ErrLocked
	}
	return err
}
