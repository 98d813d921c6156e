// Package errors defines foreman's error taxonomy and classification helpers.
//
// # Error Types
//
// Shell-side errors:
//   - SessionSpawnError: a project's shell could not be started
//   - CommandTimeoutError: no completion sentinel arrived within the timeout
//   - CommandExecutionError: a command finished with a nonzero exit code
//
// Dispatcher-side errors:
//   - AdapterError: category logic failed or reported success=false
//   - BrokerUnavailableError: the queue broker could not be reached
//
// Semantic errors:
//   - ValidationError: rejected input (missing project path, unknown category)
//   - NotFoundError: unknown task or resource
//
// ErrSessionDead is internal to the session package: it triggers a respawn
// and is never reported to callers as a failure of its own.
//
// # Usage
//
//	err := errors.NewCommandTimeoutError("npm install", 5*time.Minute)
//	if errors.IsRetryable(err) { ... }
//
//	var adapterErr *errors.AdapterError
//	if errors.As(err, &adapterErr) && adapterErr.Permanent { ... }
//
// # Classification
//
//   - Retryable: transient errors that may succeed on retry
//   - Permanent: errors that must not be retried by the dispatcher
//   - UserFacing: errors safe to print in CLI output
//   - Severity: Debug, Info, Warning, Error, Critical
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Session sentinel errors
var (
	// ErrSessionDead indicates the shell process has exited. Callers of the
	// runner never see it; the registry respawns on next use.
	ErrSessionDead = New("session process is dead")
	// ErrSessionClosed indicates the session or runner was shut down.
	ErrSessionClosed = New("session closed")
)

// Queue sentinel errors
var (
	// ErrQueueingDisabled is returned by every queue operation when the
	// broker was unavailable at startup.
	ErrQueueingDisabled = New("task queueing is disabled")
	// ErrDuplicateJob indicates a job with the same task ID already exists.
	ErrDuplicateJob = New("job already exists")
	// ErrUnknownCategory indicates a category with no queue or adapter.
	ErrUnknownCategory = New("unknown category")
	// ErrTaskNotFound indicates that a task could not be found.
	ErrTaskNotFound = New("task not found")
	// ErrBrokerClosed indicates the broker no longer accepts work.
	ErrBrokerClosed = New("broker closed")
)

// General sentinel errors
var (
	ErrTimeout      = New("operation timed out")
	ErrCanceled     = New("operation canceled")
	ErrInvalidInput = New("invalid input")
)

// ForemanError is implemented by every error type in this package.
type ForemanError interface {
	error
	Unwrap() error
	Is(target error) bool
	Severity() Severity
	IsRetryable() bool
}

type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error { return e.cause }

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) IsRetryable() bool  { return e.retryable }

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.message == "" {
		if e.cause != nil {
			return fmt.Sprintf("%s: %v", prefix, e.cause)
		}
		return prefix
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Shell-side errors
// -----------------------------------------------------------------------------

// SessionSpawnError reports that a project's shell process failed to start.
//
//	err := errors.NewSessionSpawnError("/work/p1", "bash", cause)
//	fmt.Println(err) // "session spawn error [project=/work/p1, shell=bash]: failed to start shell: ..."
type SessionSpawnError struct {
	baseError
	ProjectPath string
	Shell       string
}

// NewSessionSpawnError creates a SessionSpawnError. Spawn failures are
// retryable since the next acquire attempts a fresh spawn.
func NewSessionSpawnError(projectPath, shell string, cause error) *SessionSpawnError {
	return &SessionSpawnError{
		baseError: baseError{
			message:   "failed to start shell",
			cause:     cause,
			severity:  SeverityError,
			retryable: true,
		},
		ProjectPath: projectPath,
		Shell:       shell,
	}
}

func (e *SessionSpawnError) Error() string {
	var parts []string
	if e.ProjectPath != "" {
		parts = append(parts, "project="+e.ProjectPath)
	}
	if e.Shell != "" {
		parts = append(parts, "shell="+e.Shell)
	}
	return e.format("session spawn error", parts)
}

func (e *SessionSpawnError) Is(target error) bool {
	if _, ok := target.(*SessionSpawnError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// CommandTimeoutError reports that a command's completion sentinel did not
// appear in time. The message names the command.
type CommandTimeoutError struct {
	baseError
	Command string
	Timeout time.Duration
}

// NewCommandTimeoutError creates a CommandTimeoutError.
func NewCommandTimeoutError(command string, timeout time.Duration) *CommandTimeoutError {
	return &CommandTimeoutError{
		baseError: baseError{
			severity:  SeverityWarning,
			retryable: true,
		},
		Command: command,
		Timeout: timeout,
	}
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s: %s", e.Timeout, Truncate(e.Command, 200))
}

func (e *CommandTimeoutError) Is(target error) bool {
	if _, ok := target.(*CommandTimeoutError); ok {
		return true
	}
	return target == ErrTimeout
}

// CommandExecutionError reports a command that completed with a nonzero
// exit code, or a shell that exited mid-command.
type CommandExecutionError struct {
	baseError
	Command  string
	ExitCode int
	Stderr   string
}

// NewCommandExecutionError creates a CommandExecutionError. stderr is kept
// as an excerpt for error messages.
func NewCommandExecutionError(command string, exitCode int, stderr string) *CommandExecutionError {
	return &CommandExecutionError{
		baseError: baseError{
			severity: SeverityWarning,
		},
		Command:  command,
		ExitCode: exitCode,
		Stderr:   Truncate(strings.TrimSpace(stderr), 500),
	}
}

// WithCause attaches the underlying error.
func (e *CommandExecutionError) WithCause(cause error) *CommandExecutionError {
	e.cause = cause
	return e
}

func (e *CommandExecutionError) Error() string {
	b := e.baseError
	b.message = "command failed: " + Truncate(e.Command, 200)
	if e.Stderr != "" {
		b.message += ": " + e.Stderr
	}
	return b.format("command error", []string{fmt.Sprintf("exit=%d", e.ExitCode)})
}

func (e *CommandExecutionError) Is(target error) bool {
	if _, ok := target.(*CommandExecutionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Dispatcher-side errors
// -----------------------------------------------------------------------------

// AdapterError reports a failure in category logic.
//
//	err := errors.NewAdapterError("claude reported an error", nil).WithCategory("pm").WithStage("generate_prd")
type AdapterError struct {
	baseError
	Category  string
	Stage     string
	Permanent bool
}

// NewAdapterError creates a retryable AdapterError.
func NewAdapterError(message string, cause error) *AdapterError {
	return &AdapterError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: true,
		},
	}
}

// WithCategory adds the queue category to the error context.
func (e *AdapterError) WithCategory(category string) *AdapterError {
	e.Category = category
	return e
}

// WithStage adds the pipeline stage to the error context.
func (e *AdapterError) WithStage(stage string) *AdapterError {
	e.Stage = stage
	return e
}

// WithPermanent marks the error as not worth retrying.
func (e *AdapterError) WithPermanent(p bool) *AdapterError {
	e.Permanent = p
	e.retryable = !p
	return e
}

func (e *AdapterError) Error() string {
	var parts []string
	if e.Category != "" {
		parts = append(parts, "category="+e.Category)
	}
	if e.Stage != "" {
		parts = append(parts, "stage="+e.Stage)
	}
	return e.format("adapter error", parts)
}

func (e *AdapterError) Is(target error) bool {
	if _, ok := target.(*AdapterError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// BrokerUnavailableError reports that the queue broker could not be reached.
type BrokerUnavailableError struct {
	baseError
	Driver string
	Addr   string
}

// NewBrokerUnavailableError creates a BrokerUnavailableError.
func NewBrokerUnavailableError(driver, addr string, cause error) *BrokerUnavailableError {
	return &BrokerUnavailableError{
		baseError: baseError{
			message:   "broker unavailable",
			cause:     cause,
			severity:  SeverityCritical,
			retryable: true,
		},
		Driver: driver,
		Addr:   addr,
	}
}

func (e *BrokerUnavailableError) Error() string {
	var parts []string
	if e.Driver != "" {
		parts = append(parts, "driver="+e.Driver)
	}
	if e.Addr != "" {
		parts = append(parts, "addr="+e.Addr)
	}
	return e.format("broker error", parts)
}

func (e *BrokerUnavailableError) Is(target error) bool {
	if _, ok := target.(*BrokerUnavailableError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic errors
// -----------------------------------------------------------------------------

// ValidationError represents rejected input.
//
//	err := errors.NewValidationError("project path is required").WithField("context.project_path")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			severity: SeverityWarning,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, "field="+e.Field)
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return e.format("validation error", parts)
}

func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// NotFoundError represents a missing resource.
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			severity: SeverityWarning,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.ResourceType, e.ResourceID)
}

func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	if target == ErrTaskNotFound && e.ResourceType == "task" {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Classification helpers
// -----------------------------------------------------------------------------

// IsRetryable reports whether err is a transient condition.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe ForemanError
	if As(err, &fe) {
		return fe.IsRetryable()
	}
	return Is(err, ErrTimeout)
}

// IsPermanent reports whether the dispatcher must stop retrying after err.
// Validation errors, unknown categories and adapter errors marked permanent
// are permanent; everything else is retried until attempts run out.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var ve *ValidationError
	if As(err, &ve) {
		return true
	}
	var ae *AdapterError
	if As(err, &ae) && ae.Permanent {
		return true
	}
	return Is(err, ErrUnknownCategory)
}

// GetSeverity returns the severity of err, SeverityError for foreign errors.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var fe ForemanError
	if As(err, &fe) {
		return fe.Severity()
	}
	return SeverityError
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Truncate shortens s to at most n bytes, marking the cut with "...".
func Truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
