// Package analytics records product events. Tracking is best-effort: it never
// blocks and never fails the caller.
package analytics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/vibe-relay/internal/apperr"
)

// Event names.
const (
	CreditsPurchaseStarted        = "credits_purchase_started"
	CreditsPurchaseSucceeded      = "credits_purchase_succeeded"
	CreditsPurchaseRequiresAction = "credits_purchase_requires_action"
	CreditsPurchaseProcessing     = "credits_purchase_processing"
	CreditsPurchaseFailed         = "credits_purchase_failed"
	CreditsSetupIntentCreated     = "credits_setup_intent_created"
	GalleryAppPublished           = "gallery_app_published"
)

const defaultQueueSize = 256

// Event is one tracked occurrence.
type Event struct {
	Name       string
	UserEmail  string
	Properties map[string]any
	At         time.Time
}

// Tracker accepts events.
type Tracker interface {
	Track(ctx context.Context, name, email string, props map[string]any)
}

// Sink delivers events to their destination.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Noop discards every event.
type Noop struct{}

// Track implements Tracker.
func (Noop) Track(context.Context, string, string, map[string]any) {}

// LogSink writes events as structured log records.
type LogSink struct {
	Logger *slog.Logger
}

// Send implements Sink.
func (s LogSink) Send(ctx context.Context, e Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "analytics event",
		slog.String("event", e.Name),
		slog.String("user_email", e.UserEmail),
		slog.Time("at", e.At),
		slog.Any("properties", e.Properties))
	return nil
}

// Queue buffers events and delivers them to a Sink from a background
// goroutine. Events are dropped when the buffer is full.
type Queue struct {
	sink   Sink
	events chan Event
	now    func() time.Time

	mu      sync.Mutex
	closed  bool
	dropped int
	done    chan struct{}
}

// NewQueue creates a Queue over sink. Call Run to start delivery.
func NewQueue(sink Sink, size int) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Queue{
		sink:   sink,
		events: make(chan Event, size),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Track enqueues an event without blocking.
func (q *Queue) Track(_ context.Context, name, email string, props map[string]any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	select {
	case q.events <- Event{Name: name, UserEmail: email, Properties: props, At: q.now().UTC()}:
	default:
		q.dropped++
		slog.Warn("Analytics queue full, dropping event", "event", name, "dropped", q.dropped)
	}
}

// Run delivers queued events until Close is called and the queue drains.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.done)
	for e := range q.events {
		if err := q.sink.Send(ctx, e); err != nil {
			slog.Warn("Analytics delivery failed",
				"error", apperr.NonCritical("send analytics event", err),
				"event", e.Name)
		}
	}
}

// Close stops accepting events and waits up to timeout for delivery to finish.
func (q *Queue) Close(timeout time.Duration) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.events)
	q.mu.Unlock()

	select {
	case <-q.done:
	case <-time.After(timeout):
		slog.Warn("Analytics queue did not drain before shutdown")
	}
}
