package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrWebhookStatus is returned when the webhook endpoint answers with a non-2xx status.
var ErrWebhookStatus = errors.New("unexpected webhook status code")

// DefaultWebhookTimeout bounds each webhook POST.
const DefaultWebhookTimeout = 5 * time.Second

// WebhookSink POSTs every event as JSON to a fixed URL. Delivery happens on its
// own goroutine; a slow or failing endpoint only loses its own events.
type WebhookSink struct {
	client *http.Client
	queue  chan Event
	done   chan struct{}
	url    string
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewWebhookSink creates a webhook sink and starts its sender.
// A nil client gets a client with DefaultWebhookTimeout.
func NewWebhookSink(url string, client *http.Client, buffer int) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: DefaultWebhookTimeout}
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	w := &WebhookSink{
		client: client,
		queue:  make(chan Event, buffer),
		done:   make(chan struct{}),
		url:    url,
	}
	go w.run()
	return w
}

// Publish implements Sink.
func (w *WebhookSink) Publish(e Event) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- e:
	default:
		log.Debugf("[Webhook] Queue full, dropping %s event", e.Kind)
	}
}

// Close flushes queued events and stops the sender.
func (w *WebhookSink) Close() {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.queue)
		w.mu.Unlock()
	})
	<-w.done
}

func (w *WebhookSink) run() {
	defer close(w.done)
	for e := range w.queue {
		if err := w.send(context.Background(), e); err != nil {
			log.WithError(err).Debugf("[Webhook] Failed to deliver %s event to %s", e.Kind, w.url)
		}
	}
}

func (w *WebhookSink) send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshalling %s event: %w", e.Kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d", ErrWebhookStatus, resp.StatusCode)
	}
	return nil
}
