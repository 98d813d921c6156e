// Package session runs commands inside long-lived, per-project shell
// processes.
//
// A [Session] owns one shell. Completion of each command is detected with a
// sentinel: after the command, the shell prints a unique token followed by
// the command's exit status, on both stdout and stderr. Commands read stdin
// from /dev/null, since the shell's own stdin carries them. The [Registry] keeps
// at most one live Session per project path and respawns dead ones. The
// [Runner] serializes commands per project through a single-worker lane and
// lets different projects run in parallel.
package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/logging"
)

// DefaultCommandTimeout applies when a caller passes no timeout.
const DefaultCommandTimeout = 5 * time.Minute

// errStdinClosed means the command never reached the shell.
var errStdinClosed = fmt.Errorf("%w: stdin closed", errors.ErrSessionDead)

// sentinelFormat prints "\n<token>:<status>\n" on stdout and on stderr. The
// token is passed as a printf argument, so "<token>:" never appears in the
// script text itself.
const sentinelFormat = `__foreman_rc=$?; printf '\n%%s:%%d\n' %s "$__foreman_rc"; printf '\n%%s:%%d\n' %s "$__foreman_rc" >&2` + "\n"

// commandScript wraps command in a brace group reading from /dev/null, so a
// command that reads stdin cannot consume the sentinel line queued behind it
// on the shell's control pipe. The group runs in the shell itself, keeping
// cd, variables and exit. A blank command becomes ":", since an empty group
// is a syntax error.
func commandScript(command, token string) string {
	if strings.TrimSpace(command) == "" {
		command = ":"
	}
	return "{ " + command + "\n} </dev/null\n" + fmt.Sprintf(sentinelFormat, token, token)
}

// Config describes how session shells are spawned.
type Config struct {
	// Shell is the program to run, looked up in PATH.
	Shell string
	// ShellArgs are passed to Shell. They must keep it reading commands
	// from stdin without a prompt.
	ShellArgs []string
	// Env is appended to the inherited environment.
	Env []string
	// WaitDelay bounds how long output pipes are drained after the shell
	// exits.
	WaitDelay time.Duration
	// StderrGrace is how long to wait for the stderr sentinel once the
	// stdout sentinel has arrived.
	StderrGrace time.Duration
}

// DefaultConfig returns a non-interactive bash without startup files.
func DefaultConfig() Config {
	return Config{
		Shell:       "bash",
		ShellArgs:   []string{"--noprofile", "--norc"},
		WaitDelay:   2 * time.Second,
		StderrGrace: 500 * time.Millisecond,
	}
}

// Result is the outcome of one command.
type Result struct {
	Command  string        `json:"command"`
	Success  bool          `json:"success"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exitCode"`
	Duration time.Duration `json:"duration"`
	// Err is set for timeouts, nonzero exits and infrastructure failures.
	Err error `json:"-"`
}

// ErrorMessage returns Err's text, or "".
func (r Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Session is a shell process bound to one project directory.
type Session struct {
	projectPath string
	cfg         Config
	logger      *logging.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *stream
	stderr *stream

	pid       int
	startedAt time.Time

	runMu     sync.Mutex
	dead      atomic.Bool
	done      chan struct{}
	exitCode  int
	closeOnce sync.Once
}

// Spawn starts a shell in projectPath. The shell outlives ctx, which only
// guards the start itself.
func Spawn(ctx context.Context, projectPath string, cfg Config, logger *logging.Logger) (*Session, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewSessionSpawnError(projectPath, cfg.Shell, err)
	}
	info, err := os.Stat(projectPath)
	if err != nil {
		return nil, errors.NewSessionSpawnError(projectPath, cfg.Shell, err)
	}
	if !info.IsDir() {
		return nil, errors.NewSessionSpawnError(projectPath, cfg.Shell, fmt.Errorf("%s is not a directory", projectPath))
	}

	s := &Session{
		projectPath: projectPath,
		cfg:         cfg,
		logger:      logger.WithProject(projectPath),
		stdout:      &stream{},
		stderr:      &stream{},
		done:        make(chan struct{}),
		exitCode:    -1,
	}

	cmd := exec.Command(cfg.Shell, cfg.ShellArgs...)
	cmd.Dir = projectPath
	cmd.Env = append(os.Environ(), "PS1=", "PS2=", "TERM=dumb")
	cmd.Env = append(cmd.Env, cfg.Env...)
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr
	cmd.WaitDelay = cfg.WaitDelay
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.NewSessionSpawnError(projectPath, cfg.Shell, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.NewSessionSpawnError(projectPath, cfg.Shell, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.pid = cmd.Process.Pid
	s.startedAt = time.Now()
	go s.wait()

	s.logger.Info("session spawned", "pid", s.pid, "shell", cfg.Shell)
	return s, nil
}

func (s *Session) wait() {
	err := s.cmd.Wait()
	code := -1
	if s.cmd.ProcessState != nil {
		code = s.cmd.ProcessState.ExitCode()
	}
	s.exitCode = code
	s.dead.Store(true)
	close(s.done)

	s.logger.Info("session exited", "pid", s.pid, "exit_code", code,
		"uptime", time.Since(s.startedAt).Round(time.Millisecond).String(), "wait_error", fmt.Sprint(err))
}

// ProjectPath returns the working directory of the shell.
func (s *Session) ProjectPath() string { return s.projectPath }

// PID returns the shell's process ID.
func (s *Session) PID() int { return s.pid }

// Alive reports whether the shell can accept commands.
func (s *Session) Alive() bool { return !s.dead.Load() }

// Done is closed once the shell process has exited and its output has been
// drained.
func (s *Session) Done() <-chan struct{} { return s.done }

// ExitCode returns the shell's exit status once Done is closed, -1 before
// that or when it was killed by a signal.
func (s *Session) ExitCode() int {
	select {
	case <-s.done:
		return s.exitCode
	default:
		return -1
	}
}

// Run executes command and waits for its completion sentinel. Commands on
// one Session never overlap. A timeout or a cancelled ctx kills the shell,
// so late output can never be attributed to a later command.
func (s *Session) Run(ctx context.Context, command string, timeout time.Duration) Result {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	start := time.Now()
	res := Result{Command: command, ExitCode: -1}
	finish := func() Result {
		res.Duration = time.Since(start)
		return res
	}

	if !s.Alive() {
		res.Err = errStdinClosed
		return finish()
	}

	token := newToken()
	outW := s.stdout.arm(token)
	errW := s.stderr.arm(token)

	script := commandScript(command, token)
	if _, err := io.WriteString(s.stdin, script); err != nil {
		s.stdout.disarm()
		s.stderr.disarm()
		s.Close()
		res.Err = fmt.Errorf("%w: %v", errStdinClosed, err)
		return finish()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out match
	select {
	case out = <-outW.found:
	case <-s.done:
		select {
		case out = <-outW.found:
		default:
			return s.exitedBeforeSentinel(&res, start)
		}
	case <-timer.C:
		res.Stdout = s.stdout.disarm()
		res.Stderr = s.stderr.disarm()
		res.Err = errors.NewCommandTimeoutError(command, timeout)
		s.logger.Warn("command timed out, recycling session", "timeout", timeout.String(), "command", errors.Truncate(command, 120))
		s.Close()
		return finish()
	case <-ctx.Done():
		res.Stdout = s.stdout.disarm()
		res.Stderr = s.stderr.disarm()
		res.Err = ctx.Err()
		s.logger.Warn("command cancelled, recycling session", "command", errors.Truncate(command, 120))
		s.Close()
		return finish()
	}

	res.Stdout = out.text
	res.ExitCode = out.code
	res.Success = out.code == 0

	grace := time.NewTimer(s.cfg.StderrGrace)
	defer grace.Stop()
	select {
	case m := <-errW.found:
		res.Stderr = m.text
	case <-grace.C:
		res.Stderr = s.stderr.disarm()
	case <-s.done:
		res.Stderr = s.stderr.disarm()
	}

	if !res.Success {
		res.Err = errors.NewCommandExecutionError(command, res.ExitCode, res.Stderr)
	}
	return finish()
}

// exitedBeforeSentinel builds the result for a shell that exited while the
// command ran, e.g. "exit 7".
func (s *Session) exitedBeforeSentinel(res *Result, start time.Time) Result {
	res.Stdout = s.stdout.disarm()
	res.Stderr = s.stderr.disarm()
	res.ExitCode = s.exitCode
	res.Success = s.exitCode == 0
	if !res.Success {
		res.Err = errors.NewCommandExecutionError(res.Command, res.ExitCode, res.Stderr)
	}
	res.Duration = time.Since(start)
	s.logger.Warn("session exited before command completed", "exit_code", s.exitCode)
	return *res
}

// Close kills the shell and everything it started. The session is marked
// dead before Close returns.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.dead.Store(true)
		_ = s.stdin.Close()
		select {
		case <-s.done:
			// Already reaped; the PID may belong to someone else now.
			return
		default:
		}
		killProcessTree(s.pid)
		if !waitForExit(s.done, s.cfg.WaitDelay+time.Second) {
			s.logger.Warn("session did not exit after kill", "pid", s.pid)
		}
	})
}

func newToken() string {
	return "__FOREMAN_" + strings.ReplaceAll(uuid.NewString(), "-", "") + "__"
}
