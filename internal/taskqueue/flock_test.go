package taskqueue

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWithFileLockCreatesLockFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	called := false
	err := withFileLock(dir, func() error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("withFileLock: %v", err)
	}
	if !called {
		t.Error("fn was not called")
	}
	if _, err := os.Stat(filepath.Join(dir, lockFileName)); err != nil {
		t.Errorf("lock file should exist: %v", err)
	}
}

func TestWithFileLockReturnsFnError(t *testing.T) {
	want := errors.New("inner")
	if err := withFileLock(t.TempDir(), func() error { return want }); !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}

func TestWithFileLockExcludes(t *testing.T) {
	dir := t.TempDir()

	var (
		holders atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = withFileLock(dir, func() error {
				n := holders.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				time.Sleep(10 * time.Millisecond)
				holders.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxSeen.Load() != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen.Load())
	}
}
