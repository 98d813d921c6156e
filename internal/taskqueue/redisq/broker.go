// Package redisq implements taskqueue.Broker on Redis using asynq.
//
// Every category maps to its own asynq queue named "foreman:<category>" and
// is served by its own asynq.Server, so categories have independent
// concurrency and can be paused one at a time. The task ID doubles as the
// asynq task ID, which makes duplicate enqueues fail in Redis rather than
// in process memory.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/foreman/internal/errors"
	"github.com/Iron-Ham/foreman/internal/logging"
	"github.com/Iron-Ham/foreman/internal/task"
	"github.com/Iron-Ham/foreman/internal/taskqueue"
)

const (
	// TaskType is the asynq type name of every foreman job.
	TaskType = "foreman:stage"

	queuePrefix = "foreman:"

	// defaultAttemptTimeout applies when Options.AttemptTimeout is 0. asynq
	// would otherwise cut attempts off after 30 minutes.
	defaultAttemptTimeout = 2 * time.Hour

	pingTimeout = 5 * time.Second
)

// QueueName returns the asynq queue serving category.
func QueueName(category task.Category) string {
	return queuePrefix + string(category)
}

// Config holds the Redis connection and queue options.
type Config struct {
	Addr     string
	Password string
	DB       int
	Options  taskqueue.Options
}

// Broker is a taskqueue.Broker backed by asynq.
type Broker struct {
	opts      taskqueue.Options
	connOpt   asynq.RedisClientOpt
	rdb       *redis.Client
	client    *asynq.Client
	inspector *asynq.Inspector
	logger    *logging.Logger

	mu      sync.Mutex
	servers []*asynq.Server
	started bool
	closed  bool
}

// New connects to Redis and returns a broker. When Redis does not answer a
// ping, New returns a BrokerUnavailableError.
func New(ctx context.Context, cfg Config, logger *logging.Logger) (*Broker, error) {
	opts, err := cfg.Options.Normalize()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.Addr == "" {
		return nil, errors.NewValidationError("redis address is required").WithField("broker.redis.addr")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.NewBrokerUnavailableError("redis", cfg.Addr, err)
	}

	connOpt := asynq.RedisClientOpt{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	b := &Broker{
		opts:      opts,
		connOpt:   connOpt,
		rdb:       rdb,
		client:    asynq.NewClient(connOpt),
		inspector: asynq.NewInspector(connOpt),
		logger:    logger.With("broker", "redis"),
	}
	logger.Info("connected to redis", "addr", cfg.Addr, "db", cfg.DB)
	return b, nil
}

// Redis returns the broker's Redis client for sharing with other stores.
func (b *Broker) Redis() redis.UniversalClient { return b.rdb }

// Categories returns the served categories in configuration order.
func (b *Broker) Categories() []task.Category {
	return slices.Clone(b.opts.Categories)
}

func (b *Broker) serves(category task.Category) bool {
	return slices.Contains(b.opts.Categories, category)
}

// Enqueue stores t in its category queue for immediate processing.
func (b *Broker) Enqueue(ctx context.Context, t *task.Task) (*taskqueue.Job, error) {
	if t == nil || t.ID == "" {
		return nil, errors.NewValidationError("task id is required").WithField("id")
	}
	if !b.serves(t.Category) {
		return nil, unknownCategory(t.Category)
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}

	info, err := b.client.EnqueueContext(ctx, asynq.NewTask(TaskType, payload), b.taskOptions(t)...)
	switch {
	case errors.Is(err, asynq.ErrTaskIDConflict), errors.Is(err, asynq.ErrDuplicateTask):
		return nil, fmt.Errorf("%w: %s", errors.ErrDuplicateJob, t.ID)
	case err != nil:
		return nil, errors.NewBrokerUnavailableError("redis", b.connOpt.Addr, err)
	}

	return &taskqueue.Job{
		ID:          info.ID,
		Category:    t.Category,
		Task:        t.Clone(),
		MaxAttempts: info.MaxRetry + 1,
		State:       taskqueue.JobWaiting,
		EnqueuedAt:  time.Now(),
	}, nil
}

func (b *Broker) taskOptions(t *task.Task) []asynq.Option {
	timeout := b.opts.AttemptTimeout
	if timeout == 0 {
		timeout = defaultAttemptTimeout
	}
	opts := []asynq.Option{
		asynq.Queue(QueueName(t.Category)),
		asynq.TaskID(t.ID),
		asynq.MaxRetry(b.opts.Policy.MaxAttempts - 1),
		asynq.Timeout(timeout),
	}
	if b.opts.Retention > 0 {
		opts = append(opts, asynq.Retention(b.opts.Retention))
	}
	return opts
}

// Start runs one asynq server per category. Categories listed in
// Options.Paused are paused in Redis first.
func (b *Broker) Start(handler taskqueue.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.ErrBrokerClosed
	}
	if b.started {
		return errors.New("broker already started")
	}

	for _, c := range b.opts.Paused {
		if err := b.inspector.PauseQueue(QueueName(c)); err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
			return fmt.Errorf("pause %s: %w", c, err)
		}
	}

	for _, c := range b.opts.Categories {
		srv := asynq.NewServer(b.connOpt, asynq.Config{
			Concurrency:     b.opts.Concurrency,
			Queues:          map[string]int{QueueName(c): 1},
			RetryDelayFunc:  retryDelay(b.opts.Policy),
			ShutdownTimeout: b.shutdownTimeout(),
			Logger:          asynqLogger{logger: b.logger.WithCategory(string(c))},
			LogLevel:        asynq.WarnLevel,
		})
		if err := srv.Start(asynq.HandlerFunc(b.wrap(c, handler))); err != nil {
			b.shutdownLocked()
			return fmt.Errorf("start %s server: %w", c, err)
		}
		b.servers = append(b.servers, srv)
	}
	b.started = true
	b.logger.Info("broker started", "categories", len(b.opts.Categories), "concurrency", b.opts.Concurrency)
	return nil
}

func (b *Broker) shutdownTimeout() time.Duration {
	if b.opts.ShutdownTimeout > 0 {
		return b.opts.ShutdownTimeout
	}
	// asynq needs a finite bound; wait as long as an attempt may run.
	if b.opts.AttemptTimeout > 0 {
		return b.opts.AttemptTimeout
	}
	return defaultAttemptTimeout
}

// wrap adapts handler to asynq. Permanent errors and undecodable payloads
// skip asynq's remaining retries.
func (b *Broker) wrap(category task.Category, handler taskqueue.Handler) func(context.Context, *asynq.Task) error {
	return func(ctx context.Context, at *asynq.Task) error {
		job, err := decodeJob(ctx, category, at)
		if err != nil {
			b.logger.Error("dropping undecodable job", "category", string(category), "error", err.Error())
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return skipRetryIfPermanent(handler(ctx, job))
	}
}

func decodeJob(ctx context.Context, category task.Category, at *asynq.Task) (*taskqueue.Job, error) {
	var t task.Task
	if err := json.Unmarshal(at.Payload(), &t); err != nil {
		return nil, fmt.Errorf("decode task payload: %w", err)
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	id, ok := asynq.GetTaskID(ctx)
	if !ok {
		id = t.ID
	}
	return &taskqueue.Job{
		ID:          id,
		Category:    category,
		Task:        &t,
		Attempt:     retried + 1,
		MaxAttempts: maxRetry + 1,
		State:       taskqueue.JobActive,
		EnqueuedAt:  t.CreatedAt,
	}, nil
}

func skipRetryIfPermanent(err error) error {
	if err == nil || !errors.IsPermanent(err) || errors.Is(err, asynq.SkipRetry) {
		return err
	}
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

// Stats reads the queue counters from Redis. A queue that has never held a
// task reports zeros.
func (b *Broker) Stats(_ context.Context, category task.Category) (taskqueue.Stats, error) {
	if !b.serves(category) {
		return taskqueue.Stats{}, unknownCategory(category)
	}
	info, err := b.inspector.GetQueueInfo(QueueName(category))
	if errors.Is(err, asynq.ErrQueueNotFound) {
		return taskqueue.Stats{Category: category}, nil
	}
	if err != nil {
		return taskqueue.Stats{}, errors.NewBrokerUnavailableError("redis", b.connOpt.Addr, err)
	}
	return statsFromQueueInfo(category, info), nil
}

func statsFromQueueInfo(category task.Category, info *asynq.QueueInfo) taskqueue.Stats {
	return taskqueue.Stats{
		Category:  category,
		Waiting:   info.Pending + info.Scheduled + info.Retry,
		Active:    info.Active,
		Completed: info.Completed,
		Failed:    info.Archived,
		Paused:    info.Paused,
	}
}

// Pause stops every server from pulling category's jobs. The pause is
// stored in Redis and so applies to all processes sharing the queue.
func (b *Broker) Pause(_ context.Context, category task.Category) error {
	if !b.serves(category) {
		return unknownCategory(category)
	}
	if err := b.inspector.PauseQueue(QueueName(category)); err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
		return fmt.Errorf("pause %s: %w", category, err)
	}
	return nil
}

// Resume unpauses category's queue.
func (b *Broker) Resume(_ context.Context, category task.Category) error {
	if !b.serves(category) {
		return unknownCategory(category)
	}
	if err := b.inspector.UnpauseQueue(QueueName(category)); err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
		return fmt.Errorf("resume %s: %w", category, err)
	}
	return nil
}

// Cancel deletes a pending, scheduled or retrying task.
func (b *Broker) Cancel(_ context.Context, taskID string) error {
	for _, c := range b.opts.Categories {
		q := QueueName(c)
		info, err := b.inspector.GetTaskInfo(q, taskID)
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("inspect task %s: %w", taskID, err)
		}
		if !cancellable(info.State) {
			return fmt.Errorf("%w: %s is %s", taskqueue.ErrNotCancellable, taskID, info.State)
		}
		if err := b.inspector.DeleteTask(q, taskID); err != nil {
			return fmt.Errorf("delete task %s: %w", taskID, err)
		}
		b.logger.Info("task deleted from queue", "task_id", taskID, "queue", q)
		return nil
	}
	return errors.NewNotFoundError("task", taskID)
}

func cancellable(state asynq.TaskState) bool {
	switch state {
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry:
		return true
	}
	return false
}

// Close shuts every server down, waiting for active attempts up to the
// shutdown timeout, and releases the Redis connections.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.shutdownLocked()

	return errors.Join(b.client.Close(), b.inspector.Close(), b.rdb.Close())
}

// shutdownLocked stops all servers concurrently. Caller holds b.mu.
func (b *Broker) shutdownLocked() {
	var wg conc.WaitGroup
	for _, srv := range b.servers {
		wg.Go(srv.Shutdown)
	}
	wg.Wait()
	b.servers = nil
}

func unknownCategory(category task.Category) error {
	return errors.NewValidationError("unknown category").
		WithField("category").
		WithValue(category).
		WithCause(errors.ErrUnknownCategory)
}

var _ taskqueue.Broker = (*Broker)(nil)
