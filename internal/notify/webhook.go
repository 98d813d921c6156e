package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/foreman/internal/event"
	"github.com/Iron-Ham/foreman/internal/logging"
)

// DefaultWebhookTimeout bounds a single webhook delivery.
const DefaultWebhookTimeout = 5 * time.Second

// DefaultWebhookQueueSize is how many reports may wait for delivery before
// new ones are dropped.
const DefaultWebhookQueueSize = 256

// Envelope is the JSON body posted to the webhook.
type Envelope struct {
	Type      string    `json:"type"`
	ProjectID string    `json:"projectId"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookNotifier POSTs every report as JSON to a backend URL. Reports are
// queued and delivered in order by a single background sender, so a slow
// endpoint never holds up a queue worker. Close flushes the queue.
type WebhookNotifier struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *logging.Logger

	mu      sync.Mutex
	closed  bool
	queue   chan Envelope
	dropped int
	wg      conc.WaitGroup
}

// NewWebhookNotifier creates a notifier posting to url and starts its
// sender. A zero timeout uses DefaultWebhookTimeout.
func NewWebhookNotifier(url string, timeout time.Duration, logger *logging.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	n := &WebhookNotifier{
		url:     url,
		client:  &http.Client{},
		timeout: timeout,
		logger:  logger,
		queue:   make(chan Envelope, DefaultWebhookQueueSize),
	}
	n.wg.Go(n.send)
	return n
}

func (n *WebhookNotifier) ProgressUpdate(_ context.Context, e event.ProgressUpdateEvent) {
	n.enqueue(Envelope{Type: WireProgressUpdate, ProjectID: e.ProjectID, Data: e, Timestamp: e.Timestamp()})
}

func (n *WebhookNotifier) TaskCompleted(_ context.Context, e event.TaskCompletedEvent) {
	n.enqueue(Envelope{Type: WireTaskCompleted, ProjectID: e.ProjectID, Data: e, Timestamp: e.Timestamp()})
}

func (n *WebhookNotifier) TaskFailed(_ context.Context, e event.TaskFailedEvent) {
	n.enqueue(Envelope{Type: WireTaskFailed, ProjectID: e.ProjectID, Data: e, Timestamp: e.Timestamp()})
}

// enqueue hands env to the sender without blocking. A full queue drops env.
func (n *WebhookNotifier) enqueue(env Envelope) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		n.logger.Debug("webhook closed, report dropped", "type", env.Type, "project_id", env.ProjectID)
		return
	}
	select {
	case n.queue <- env:
	default:
		n.dropped++
		n.logger.Warn("webhook queue full, report dropped",
			"type", env.Type,
			"project_id", env.ProjectID,
			"dropped", n.dropped,
		)
	}
}

func (n *WebhookNotifier) send() {
	for env := range n.queue {
		if err := n.Send(context.Background(), env); err != nil {
			n.logger.Warn("webhook delivery failed",
				"type", env.Type,
				"project_id", env.ProjectID,
				"error", err.Error(),
			)
			continue
		}
		n.logger.Debug("webhook delivered", "type", env.Type, "project_id", env.ProjectID)
	}
}

// Close stops accepting reports and waits until the queued ones have been
// delivered or have failed. Safe to call more than once.
func (n *WebhookNotifier) Close() error {
	n.mu.Lock()
	first := !n.closed
	if first {
		n.closed = true
		close(n.queue)
	}
	dropped := n.dropped
	n.mu.Unlock()

	n.wg.Wait()
	if first && dropped > 0 {
		n.logger.Warn("webhook reports dropped while the queue was full", "dropped", dropped)
	}
	return nil
}

// Send posts env and reports any transport error or non-2xx status.
// Cancellation of the dispatcher's context does not abort delivery;
// only the notifier's own timeout does.
func (n *WebhookNotifier) Send(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", n.url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("post %s: unexpected status %s", n.url, resp.Status)
	}
	return nil
}
