// Package adapter holds the category-specific stage logic the dispatcher
// runs for each task.
//
// An [Adapter] is opaque to the dispatcher: it receives the project context,
// issues whatever shell commands it needs through a [Runner], and reports a
// task.Result. Adapters are not assumed to be idempotent; every attempt may
// have side effects in the project directory.
//
// Two implementations are configured from stage definitions:
//
//   - [AgentAdapter] drives the agent CLI with a templated prompt, resumes
//     the project's previous conversation, commits the result and collects
//     artifacts.
//   - [ScriptAdapter] runs a sandboxed Lua script that calls run() to issue
//     commands and returns the result table itself.
package adapter

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/session"
	"github.com/Iron-Ham/foreman/internal/task"
)

// Adapter executes one attempt of a task's stage.
type Adapter interface {
	Execute(ctx context.Context, pc task.ProjectContext) (*task.Result, error)
}

// Func adapts a function to the Adapter interface.
type Func func(ctx context.Context, pc task.ProjectContext) (*task.Result, error)

func (f Func) Execute(ctx context.Context, pc task.ProjectContext) (*task.Result, error) {
	return f(ctx, pc)
}

// Runner executes shell commands in a project's persistent session.
// *session.Runner implements it.
type Runner interface {
	RunInSession(ctx context.Context, projectPath, command string, timeout time.Duration) session.Result
	ResolvePath(projectPath string) string
}

var _ Runner = (*session.Runner)(nil)

// Registry maps categories to adapters. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	adapters map[task.Category]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[task.Category]Adapter)}
}

// Register binds a to category, replacing any previous adapter.
func (r *Registry) Register(category task.Category, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[category] = a
}

// Lookup returns the adapter for category. An unknown category yields a
// permanent AdapterError.
func (r *Registry) Lookup(category task.Category) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[category]
	if !ok {
		return nil, errors.NewAdapterError("no adapter registered", errors.ErrUnknownCategory).
			WithCategory(string(category)).
			WithPermanent(true)
	}
	return a, nil
}

// Categories returns the registered categories in sorted order.
func (r *Registry) Categories() []task.Category {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.adapters))
}

// BuildOptions configures Build.
type BuildOptions struct {
	// CLITool is the agent executable, "claude" when empty.
	CLITool string
	// ScriptsDir resolves relative script paths.
	ScriptsDir string
	// Sessions stores agent conversation ids. Nil uses an in-memory store.
	Sessions SessionStore
}

// Build creates a registry with one adapter per defined category.
func Build(defs *Definitions, runner Runner, opts BuildOptions, logger *logging.Logger) (*Registry, error) {
	if err := defs.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = NewMemorySessionStore(DefaultSessionTTL)
	}

	reg := NewRegistry()
	for _, cat := range defs.CategoryNames() {
		def, _ := defs.Lookup(cat)
		switch def.Kind {
		case KindScript:
			script := def.Script
			if !filepath.IsAbs(script) && opts.ScriptsDir != "" {
				script = filepath.Join(opts.ScriptsDir, script)
			}
			reg.Register(cat, NewScriptAdapter(def, script, runner, logger))
		case KindAgent:
			reg.Register(cat, NewAgentAdapter(def, runner, sessions, opts.CLITool, logger))
		default:
			return nil, fmt.Errorf("category %s: unknown kind %q", cat, def.Kind)
		}
	}
	return reg, nil
}
