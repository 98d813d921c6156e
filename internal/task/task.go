// Package task defines the unit of work that flows through the dispatcher:
// a Task bound to one project, its project context, and the Result a stage
// adapter produces for it.
package task

import (
	"maps"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/foreman/internal/errors"
)

// Category names a queue. Each category has exactly one adapter.
type Category string

// Built-in categories, one per agent role.
const (
	CategoryAnalyse   Category = "analyse"
	CategoryPM        Category = "pm"
	CategoryUXExpert  Category = "ux-expert"
	CategoryArchitect Category = "architect"
	CategoryPO        Category = "po"
	CategoryDev       Category = "dev"
)

// DefaultCategories returns the built-in categories in pipeline order.
func DefaultCategories() []Category {
	return []Category{
		CategoryAnalyse,
		CategoryPM,
		CategoryUXExpert,
		CategoryArchitect,
		CategoryPO,
		CategoryDev,
	}
}

// Stage is a step of a project's development pipeline.
type Stage string

const (
	StageInitializing       Stage = "initializing"
	StageSetupEnvironment   Stage = "setup_environment"
	StagePendingAgents      Stage = "pending_agents"
	StageCheckRequirement   Stage = "check_requirement"
	StageGeneratePRD        Stage = "generate_prd"
	StageDefineUXStandard   Stage = "define_ux_standard"
	StageDesignArchitecture Stage = "design_architecture"
	StagePlanEpicAndStory   Stage = "plan_epic_and_story"
	StageDefineDataModel    Stage = "define_data_model"
	StageDefineAPI          Stage = "define_api"
	StageDevelopStory       Stage = "develop_story"
	StageFixBug             Stage = "fix_bug"
	StageRunTest            Stage = "run_test"
	StageDeploy             Stage = "deploy"
	StageDone               Stage = "done"
	StageFailed             Stage = "failed"
)

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true once the task can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ProjectContext is what an adapter sees of the project it works on.
type ProjectContext struct {
	ProjectID           string         `json:"projectId" yaml:"project_id"`
	UserID              string         `json:"userId,omitempty" yaml:"user_id,omitempty"`
	ProjectName         string         `json:"projectName,omitempty" yaml:"project_name,omitempty"`
	ProjectPath         string         `json:"projectPath" yaml:"project_path"`
	CurrentStage        Stage          `json:"currentStage,omitempty" yaml:"current_stage,omitempty"`
	StageInput          map[string]any `json:"stageInput,omitempty" yaml:"stage_input,omitempty"`
	PreviousStageOutput map[string]any `json:"previousStageOutput,omitempty" yaml:"previous_stage_output,omitempty"`
	Artifacts           []string       `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`

	// Attempt is the 1-based attempt number, set by the dispatcher.
	Attempt int `json:"attempt,omitempty" yaml:"-"`
}

// Artifact is a file produced by a stage.
type Artifact struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type,omitempty"`
}

// Result is what an adapter returns for one attempt.
type Result struct {
	Success   bool           `json:"success"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	NextStage Stage          `json:"nextStage,omitempty"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ArtifactPaths returns the paths of r's artifacts in order.
func (r *Result) ArtifactPaths() []string {
	if r == nil {
		return nil
	}
	paths := make([]string, 0, len(r.Artifacts))
	for _, a := range r.Artifacts {
		paths = append(paths, a.Path)
	}
	return paths
}

// Task is one unit of queued work.
type Task struct {
	ID         string         `json:"id" yaml:"id,omitempty"`
	Category   Category       `json:"category" yaml:"category"`
	Stage      Stage          `json:"stage,omitempty" yaml:"stage,omitempty"`
	Status     Status         `json:"status" yaml:"-"`
	Progress   int            `json:"progress" yaml:"-"`
	Message    string         `json:"message,omitempty" yaml:"-"`
	Context    ProjectContext `json:"context" yaml:"context"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	Attempt     int     `json:"attempt" yaml:"-"`
	MaxAttempts int     `json:"maxAttempts,omitempty" yaml:"-"`
	Error       string  `json:"error,omitempty" yaml:"-"`
	Result      *Result `json:"result,omitempty" yaml:"-"`

	CreatedAt  time.Time  `json:"createdAt" yaml:"-"`
	UpdatedAt  time.Time  `json:"updatedAt" yaml:"-"`
	StartedAt  *time.Time `json:"startedAt,omitempty" yaml:"-"`
	FinishedAt *time.Time `json:"finishedAt,omitempty" yaml:"-"`
}

// Validate rejects tasks the dispatcher cannot run.
func (t *Task) Validate() error {
	if strings.TrimSpace(string(t.Category)) == "" {
		return errors.NewValidationError("category is required").WithField("category")
	}
	if strings.TrimSpace(t.Context.ProjectPath) == "" {
		return errors.NewValidationError("project path is required").WithField("context.projectPath")
	}
	if t.Status != "" && !t.Status.IsValid() {
		return errors.NewValidationError("unknown status").WithField("status").WithValue(t.Status)
	}
	return nil
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Parameters = maps.Clone(t.Parameters)
	cp.Context.StageInput = maps.Clone(t.Context.StageInput)
	cp.Context.PreviousStageOutput = maps.Clone(t.Context.PreviousStageOutput)
	cp.Context.Artifacts = slices.Clone(t.Context.Artifacts)
	if t.Result != nil {
		r := *t.Result
		r.Artifacts = slices.Clone(t.Result.Artifacts)
		r.Metadata = maps.Clone(t.Result.Metadata)
		cp.Result = &r
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		cp.StartedAt = &s
	}
	if t.FinishedAt != nil {
		f := *t.FinishedAt
		cp.FinishedAt = &f
	}
	return &cp
}

// ResolvePath returns the absolute, cleaned form of projectPath. Relative
// paths are resolved against root.
func ResolvePath(root, projectPath string) string {
	p := strings.TrimSpace(projectPath)
	if p == "" {
		return ""
	}
	if !filepath.IsAbs(p) && root != "" {
		p = filepath.Join(root, p)
	}
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return filepath.Clean(p)
}
