package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/retry"
	"github.com/Iron-Ham/foreman/internal/task"
	"github.com/Iron-Ham/foreman/internal/taskqueue"
)

func TestQueueName(t *testing.T) {
	if got := QueueName(task.CategoryUXExpert); got != "foreman:ux-expert" {
		t.Errorf("QueueName = %q", got)
	}
}

func TestRetryDelay(t *testing.T) {
	p := retry.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, Multiplier: 2}
	delay := retryDelay(p)

	tests := []struct {
		retried int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := delay(tt.retried, nil, nil); got != tt.want {
			t.Errorf("delay(%d) = %s, want %s", tt.retried, got, tt.want)
		}
	}
}

func TestSkipRetryIfPermanent(t *testing.T) {
	transient := errors.New("network blip")
	permanent := errors.NewAdapterError("bad template", nil).WithPermanent(true)
	validation := errors.NewValidationError("missing field")

	tests := []struct {
		name     string
		err      error
		wantSkip bool
	}{
		{name: "nil", err: nil},
		{name: "transient", err: transient},
		{name: "permanent adapter error", err: permanent, wantSkip: true},
		{name: "validation error", err: validation, wantSkip: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := skipRetryIfPermanent(tt.err)
			if tt.err == nil {
				if got != nil {
					t.Errorf("got %v, want nil", got)
				}
				return
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("wrapped error lost the original: %v", got)
			}
			if skip := errors.Is(got, asynq.SkipRetry); skip != tt.wantSkip {
				t.Errorf("SkipRetry = %v, want %v", skip, tt.wantSkip)
			}
		})
	}

	already := fmt.Errorf("%w: %w", permanent, asynq.SkipRetry)
	if got := skipRetryIfPermanent(already); got != already {
		t.Error("an error already marked SkipRetry should pass through unchanged")
	}
}

func TestDecodeJob(t *testing.T) {
	tk := &task.Task{
		ID:       "t-1",
		Category: task.CategoryPM,
		Stage:    task.StageGeneratePRD,
		Context:  task.ProjectContext{ProjectID: "p", ProjectPath: "/srv/p"},
	}
	payload, err := json.Marshal(tk)
	if err != nil {
		t.Fatal(err)
	}

	job, err := decodeJob(context.Background(), task.CategoryPM, asynq.NewTask(TaskType, payload))
	if err != nil {
		t.Fatalf("decodeJob: %v", err)
	}
	// Outside an asynq server the context carries no retry metadata.
	if job.ID != "t-1" || job.Attempt != 1 || job.MaxAttempts != 1 {
		t.Errorf("job = %+v", job)
	}
	if job.Task.Context.ProjectPath != "/srv/p" || job.State != taskqueue.JobActive {
		t.Errorf("job task = %+v", job.Task)
	}

	if _, err := decodeJob(context.Background(), task.CategoryPM, asynq.NewTask(TaskType, []byte("{"))); err == nil {
		t.Error("expected error for a corrupt payload")
	}
}

func TestWrapSkipsRetryForBadPayload(t *testing.T) {
	b := &Broker{logger: logging.NopLogger()}
	called := false
	h := b.wrap(task.CategoryDev, func(context.Context, *taskqueue.Job) error {
		called = true
		return nil
	})

	err := h(context.Background(), asynq.NewTask(TaskType, []byte("not json")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("err = %v, want SkipRetry", err)
	}
	if called {
		t.Error("handler should not run for an undecodable payload")
	}
}

func TestStatsFromQueueInfo(t *testing.T) {
	info := &asynq.QueueInfo{
		Pending:   2,
		Scheduled: 1,
		Retry:     3,
		Active:    1,
		Completed: 7,
		Archived:  4,
		Paused:    true,
	}
	got := statsFromQueueInfo(task.CategoryDev, info)
	want := taskqueue.Stats{
		Category:  task.CategoryDev,
		Waiting:   6,
		Active:    1,
		Completed: 7,
		Failed:    4,
		Paused:    true,
	}
	if got != want {
		t.Errorf("stats = %+v, want %+v", got, want)
	}
}

func TestCancellable(t *testing.T) {
	tests := []struct {
		state asynq.TaskState
		want  bool
	}{
		{asynq.TaskStatePending, true},
		{asynq.TaskStateScheduled, true},
		{asynq.TaskStateRetry, true},
		{asynq.TaskStateActive, false},
		{asynq.TaskStateCompleted, false},
		{asynq.TaskStateArchived, false},
	}
	for _, tt := range tests {
		if got := cancellable(tt.state); got != tt.want {
			t.Errorf("cancellable(%s) = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestTaskOptions(t *testing.T) {
	b := &Broker{opts: taskqueue.Options{
		Policy:    retry.Policy{MaxAttempts: 3, Multiplier: 1},
		Retention: time.Hour,
	}}
	opts := b.taskOptions(&task.Task{ID: "abc", Category: task.CategoryDev})

	got := map[asynq.OptionType]any{}
	for _, o := range opts {
		got[o.Type()] = o.Value()
	}
	if got[asynq.QueueOpt] != "foreman:dev" {
		t.Errorf("queue = %v", got[asynq.QueueOpt])
	}
	if got[asynq.TaskIDOpt] != "abc" {
		t.Errorf("task id = %v", got[asynq.TaskIDOpt])
	}
	if got[asynq.MaxRetryOpt] != 2 {
		t.Errorf("max retry = %v, want 2", got[asynq.MaxRetryOpt])
	}
	if got[asynq.TimeoutOpt] != defaultAttemptTimeout {
		t.Errorf("timeout = %v, want %s", got[asynq.TimeoutOpt], defaultAttemptTimeout)
	}
	if got[asynq.RetentionOpt] != time.Hour {
		t.Errorf("retention = %v, want 1h", got[asynq.RetentionOpt])
	}
}

func TestNewUnreachableRedis(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := New(ctx, Config{Addr: "127.0.0.1:1"}, nil)
	var unavailable *errors.BrokerUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("err = %v, want BrokerUnavailableError", err)
	}
	if !strings.Contains(err.Error(), "127.0.0.1:1") {
		t.Errorf("error should name the address: %v", err)
	}
}

func TestNewRequiresAddress(t *testing.T) {
	_, err := New(context.Background(), Config{}, nil)
	var verr *errors.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestAsynqLogger(t *testing.T) {
	var buf strings.Builder
	l := asynqLogger{logger: logging.NewWriterLogger(&buf, logging.LevelDebug)}
	l.Warn("queue ", "foreman:dev", " slow")
	if !strings.Contains(buf.String(), "queue foreman:dev slow") {
		t.Errorf("log output = %q", buf.String())
	}
}
