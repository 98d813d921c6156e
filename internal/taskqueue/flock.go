package taskqueue

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const lockFileName = "queue.lock"

// withFileLock runs fn while holding an exclusive flock(2) on a lock file in
// dir, so that two foreman processes sharing a state directory never read
// or write the queue state at the same time.
func withFileLock(dir string, fn func() error) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("flock: %w", err)
	}
	defer func() { _ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }()

	return fn()
}
