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

	"mlsync/internal/library"
	"mlsync/internal/model"
)

// WebhookNotifier posts events as JSON to a URL from a bounded queue.
// Notify never blocks: when the queue is full the event is dropped.
type WebhookNotifier struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  library.Logger

	queue     chan model.Event
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	dropped int
}

var _ library.Notifier = (*WebhookNotifier)(nil)

// NewWebhookNotifier starts the delivery goroutine. Call Close to drain and stop it.
func NewWebhookNotifier(url string, timeout time.Duration, queueSize int, logger library.Logger) *WebhookNotifier {
	n := &WebhookNotifier{
		url:     url,
		timeout: timeout,
		client:  http.DefaultClient,
		logger:  logger,
		queue:   make(chan model.Event, max(queueSize, 1)),
		done:    make(chan struct{}),
	}
	go n.deliverLoop()
	return n
}

// Notify implements library.Notifier.
func (n *WebhookNotifier) Notify(event model.Event) {
	select {
	case n.queue <- event:
	default:
		n.mu.Lock()
		n.dropped++
		n.mu.Unlock()
		n.logger.Warn("notification queue full, dropping event", "type", event.Type, "source", event.SourcePath)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (n *WebhookNotifier) Dropped() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Close stops accepting events and waits until queued ones are delivered.
// Notify must not be called after Close.
func (n *WebhookNotifier) Close() error {
	n.closeOnce.Do(func() {
		close(n.queue)
	})
	<-n.done
	return nil
}

func (n *WebhookNotifier) deliverLoop() {
	defer close(n.done)
	for event := range n.queue {
		if err := n.post(event); err != nil {
			n.logger.Warn("webhook delivery failed", "type", event.Type, "source", event.SourcePath, "error", err)
		}
	}
}

func (n *WebhookNotifier) post(event model.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx := context.Background()
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bad status %d: %s", resp.StatusCode, string(raw))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
