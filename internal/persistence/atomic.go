package persistence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrCorrupt marks a state file that exists but cannot be parsed.
// Callers must surface it; a corrupt file is never treated as empty.
var ErrCorrupt = errors.New("corrupt state file")

// CorruptError reports where a state file failed to parse.
type CorruptError struct {
	Path string
	Line int // 1-based; 0 when unknown
	Err  error
}

func (e *CorruptError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %v: %v", e.Path, e.Line, ErrCorrupt, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Path, ErrCorrupt, e.Err)
}

func (e *CorruptError) Unwrap() []error {
	return []error{ErrCorrupt, e.Err}
}

// writeFileAtomic writes data to a temporary file in the target directory and
// renames it over path, so readers only ever see a complete file. The rename
// is retried a few times on transient failure.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 100 * time.Millisecond
	rename := func() error { return os.Rename(tmpName, path) }
	if err := backoff.Retry(rename, backoff.WithMaxRetries(policy, 3)); err != nil {
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
