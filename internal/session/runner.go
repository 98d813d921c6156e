package session

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/task"
)

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// WorkspaceRoot resolves relative project paths.
	WorkspaceRoot string
	// DefaultTimeout applies to commands submitted without a timeout.
	DefaultTimeout time.Duration
	// IdleTimeout retires a project's lane and shell after this long without
	// commands. 0 keeps them until Close.
	IdleTimeout time.Duration
}

// Runner executes commands in per-project sessions. Commands for one
// project run strictly in submission order; projects are independent.
type Runner struct {
	registry *Registry
	opts     RunnerOptions
	logger   *logging.Logger

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

type request struct {
	ctx     context.Context
	command string
	timeout time.Duration
	reply   chan Result
}

// lane is the single worker that owns one project's command queue.
type lane struct {
	key   string
	mu    sync.Mutex
	queue []*request
	wake  chan struct{}
	stop  chan struct{}
}

func (l *lane) push(req *request) {
	l.mu.Lock()
	l.queue = append(l.queue, req)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *lane) pop() *request {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	req := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return req
}

func (l *lane) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// NewRunner creates a Runner over registry.
func NewRunner(registry *Registry, opts RunnerOptions, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultCommandTimeout
	}
	return &Runner{
		registry: registry,
		opts:     opts,
		logger:   logger,
		lanes:    make(map[string]*lane),
	}
}

// Registry returns the registry the runner draws sessions from.
func (r *Runner) Registry() *Registry { return r.registry }

// ResolvePath returns the registry key for projectPath.
func (r *Runner) ResolvePath(projectPath string) string {
	return task.ResolvePath(r.opts.WorkspaceRoot, projectPath)
}

// RunInSession runs command in the project's session and waits for it.
// Command failures come back as a Result with Success=false, never as a
// panic or a separate error.
func (r *Runner) RunInSession(ctx context.Context, projectPath, command string, timeout time.Duration) Result {
	ch := r.Submit(ctx, projectPath, command, timeout)
	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		// The lane skips or recycles the request on its own; its reply is
		// dropped into the buffered channel.
		return Result{Command: command, ExitCode: -1, Err: ctx.Err()}
	}
}

// Submit queues command behind the project's earlier commands and returns a
// channel that receives exactly one Result.
func (r *Runner) Submit(ctx context.Context, projectPath, command string, timeout time.Duration) <-chan Result {
	reply := make(chan Result, 1)

	key := r.ResolvePath(projectPath)
	if key == "" {
		reply <- Result{
			Command:  command,
			ExitCode: -1,
			Err:      errors.NewValidationError("project path is required").WithField("projectPath"),
		}
		return reply
	}
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}
	req := &request{ctx: ctx, command: command, timeout: timeout, reply: reply}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		reply <- Result{Command: command, ExitCode: -1, Err: errors.ErrSessionClosed}
		return reply
	}
	l, ok := r.lanes[key]
	if !ok {
		l = &lane{
			key:  key,
			wake: make(chan struct{}, 1),
			stop: make(chan struct{}),
		}
		r.lanes[key] = l
		r.wg.Add(1)
		go r.work(l)
	}
	l.push(req)
	return reply
}

func (r *Runner) work(l *lane) {
	defer r.wg.Done()

	for {
		select {
		case <-l.stop:
			r.rejectQueued(l)
			return
		default:
		}

		if req := l.pop(); req != nil {
			req.reply <- r.execute(l.key, req)
			continue
		}

		var idle <-chan time.Time
		var timer *time.Timer
		if r.opts.IdleTimeout > 0 {
			timer = time.NewTimer(r.opts.IdleTimeout)
			idle = timer.C
		}
		select {
		case <-l.wake:
		case <-l.stop:
		case <-idle:
			if r.retire(l) {
				return
			}
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// execute runs one request. A shell found dead before the command reached
// it is replaced once; a command that ran is never re-run.
func (r *Runner) execute(key string, req *request) Result {
	if err := req.ctx.Err(); err != nil {
		return Result{Command: req.command, ExitCode: -1, Err: err}
	}

	for attempt := 0; ; attempt++ {
		s, err := r.registry.Acquire(req.ctx, key)
		if err != nil {
			return Result{Command: req.command, ExitCode: -1, Err: err}
		}

		res := s.Run(req.ctx, req.command, req.timeout)
		if attempt == 0 && errors.Is(res.Err, errStdinClosed) {
			r.logger.Warn("session was dead before command, respawning", "project_path", key, "pid", s.PID())
			r.registry.Discard(key, s)
			continue
		}
		if errors.Is(res.Err, errStdinClosed) {
			res.Err = errors.NewSessionSpawnError(key, "", res.Err)
		}
		return res
	}
}

// retire removes an idle lane and closes its shell. It fails if a command
// arrived in the meantime.
func (r *Runner) retire(l *lane) bool {
	r.mu.Lock()
	if l.len() > 0 || r.closed {
		r.mu.Unlock()
		return false
	}
	delete(r.lanes, l.key)
	// Unregister under r.mu so a lane created right after this one spawns a
	// fresh shell instead of picking up the one being closed.
	s, ok := r.registry.take(l.key)
	r.mu.Unlock()

	r.logger.Debug("retiring idle session", "project_path", l.key)
	if ok {
		s.Close()
	}
	return true
}

func (r *Runner) rejectQueued(l *lane) {
	for req := l.pop(); req != nil; req = l.pop() {
		req.reply <- Result{Command: req.command, ExitCode: -1, Err: errors.ErrSessionClosed}
	}
}

// Close stops accepting commands, lets running commands finish, fails the
// queued ones with errors.ErrSessionClosed and kills every shell.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, l := range r.lanes {
		close(l.stop)
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.registry.CloseAll()
	return nil
}
