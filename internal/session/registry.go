package session

import (
	"context"
	"sort"
	"sync"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/logging"
)

// SpawnFunc starts a shell for a project path.
type SpawnFunc func(ctx context.Context, projectPath string) (*Session, error)

// Registry maps project paths to their live Session. Keys are expected to
// be resolved, cleaned paths.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	spawns   map[string]int
	closed   bool

	spawn  SpawnFunc
	bus    *event.Bus
	logger *logging.Logger
}

// NewRegistry creates a Registry that spawns shells with cfg. bus may be nil.
func NewRegistry(cfg Config, bus *event.Bus, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	r := &Registry{
		sessions: make(map[string]*Session),
		spawns:   make(map[string]int),
		bus:      bus,
		logger:   logger,
	}
	r.spawn = func(ctx context.Context, projectPath string) (*Session, error) {
		return Spawn(ctx, projectPath, cfg, logger)
	}
	return r
}

// Acquire returns the live Session for projectPath, spawning one if there
// is none or the previous one died.
func (r *Registry) Acquire(ctx context.Context, projectPath string) (*Session, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.ErrSessionClosed
	}
	if s, ok := r.sessions[projectPath]; ok {
		if s.Alive() {
			r.mu.Unlock()
			return s, nil
		}
		delete(r.sessions, projectPath)
		r.logger.Warn("discarding dead session", "project_path", projectPath, "pid", s.PID(), "exit_code", s.ExitCode())
	}
	respawn := r.spawns[projectPath] > 0
	r.mu.Unlock()

	// Spawning happens unlocked so one slow project does not hold up others.
	s, err := r.spawn(ctx, projectPath)
	if err != nil {
		r.logger.Error("session spawn failed", "project_path", projectPath, "error", err.Error())
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		s.Close()
		return nil, errors.ErrSessionClosed
	}
	if existing, ok := r.sessions[projectPath]; ok && existing.Alive() {
		r.mu.Unlock()
		s.Close()
		return existing, nil
	}
	r.sessions[projectPath] = s
	r.spawns[projectPath]++
	r.mu.Unlock()

	if respawn {
		r.logger.Info("session respawned", "project_path", projectPath, "pid", s.PID())
	}
	if r.bus != nil {
		r.bus.Publish(event.NewSessionSpawnedEvent(projectPath, s.PID(), respawn))
		go func() {
			<-s.Done()
			r.bus.Publish(event.NewSessionExitedEvent(projectPath, s.PID(), s.ExitCode()))
		}()
	}
	return s, nil
}

// Get returns the registered Session without spawning.
func (r *Registry) Get(projectPath string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[projectPath]
	return s, ok
}

// Discard closes s and forgets it if it is still the Session registered for
// projectPath.
func (r *Registry) Discard(projectPath string, s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[projectPath]; ok && cur == s {
		delete(r.sessions, projectPath)
	}
	r.mu.Unlock()
	s.Close()
}

// take unregisters the Session for projectPath without closing it.
func (r *Registry) take(projectPath string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[projectPath]
	delete(r.sessions, projectPath)
	return s, ok
}

// Paths returns the registered project paths, sorted.
func (r *Registry) Paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	paths := make([]string, 0, len(r.sessions))
	for p := range r.sessions {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// SpawnCount returns how many shells have been started for projectPath.
func (r *Registry) SpawnCount(projectPath string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spawns[projectPath]
}

// CloseAll kills every shell. Later Acquire calls fail with
// errors.ErrSessionClosed.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
}
