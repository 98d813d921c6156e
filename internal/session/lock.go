package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Iron-Ham/foreman/internal/logging"
)

// LockFileName is the lock file written at the workspace root while a
// foreman process runs local workers over it.
const LockFileName = ".foreman.lock"

// ErrWorkspaceLocked is returned when another live process holds the lock.
var ErrWorkspaceLocked = errors.New("workspace is locked by another foreman process")

// WorkspaceLock guarantees a single process drives the shells of one
// workspace, which keeps one writer per project working tree.
type WorkspaceLock struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`

	path   string
	logger *logging.Logger
}

// AcquireWorkspaceLock takes the lock for root. A lock left behind by a dead
// process is removed and taken over.
func AcquireWorkspaceLock(root, command string, logger *logging.Logger) (*WorkspaceLock, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	path := filepath.Join(root, LockFileName)

	if held, err := ReadWorkspaceLock(path); err == nil {
		if held.PID != os.Getpid() && isProcessAlive(held.PID) {
			return nil, fmt.Errorf("%w: PID %d on %s (%s)", ErrWorkspaceLocked, held.PID, held.Hostname, held.Command)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
		logger.Warn("stale workspace lock removed", "old_pid", held.PID, "path", path)
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	lock := &WorkspaceLock{
		PID:       os.Getpid(),
		Hostname:  hostname,
		Command:   command,
		StartedAt: time.Now(),
		path:      path,
		logger:    logger,
	}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal lock: %w", err)
	}

	// O_EXCL closes the window between the stale check and the write.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrWorkspaceLocked
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}

	logger.Info("workspace lock acquired", "path", path, "pid", lock.PID)
	return lock, nil
}

// Release removes the lock file if this process still owns it. Safe to call
// more than once.
func (l *WorkspaceLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	held, err := ReadWorkspaceLock(l.path)
	if err != nil || held.PID != l.PID {
		return nil
	}
	if err := os.Remove(l.path); err != nil {
		return err
	}
	if l.logger != nil {
		l.logger.Info("workspace lock released", "path", l.path)
	}
	return nil
}

// ReadWorkspaceLock parses the lock file at path.
func ReadWorkspaceLock(path string) (*WorkspaceLock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lock WorkspaceLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	lock.path = path
	return &lock, nil
}
