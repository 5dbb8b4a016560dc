package services

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/imbrick/attributes-login-access/internal/models"
)

// EventPublisher accepts security events without blocking the caller
type EventPublisher interface {
	Publish(event models.SecurityEvent)
}

// EventHandler consumes dispatched events
type EventHandler interface {
	HandleEvent(ctx context.Context, event models.SecurityEvent)
}

// EventHandlerFunc adapts a function to EventHandler
type EventHandlerFunc func(ctx context.Context, event models.SecurityEvent)

func (f EventHandlerFunc) HandleEvent(ctx context.Context, event models.SecurityEvent) {
	f(ctx, event)
}

// NewSecurityEvent stamps an event with an ID and creation time
func NewSecurityEvent(eventType, username, ip string, metadata models.EventMetadata, now time.Time) models.SecurityEvent {
	ev := models.SecurityEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Metadata:  metadata,
		CreatedAt: now,
	}
	if username != "" {
		ev.Username = &username
	}
	if ip != "" {
		ev.IPAddress = &ip
	}
	if ev.Metadata == nil {
		ev.Metadata = models.EventMetadata{}
	}
	return ev
}

// EventDispatcher fans events out to handlers on background workers. Publish
// drops the event when the queue is full rather than wait.
type EventDispatcher struct {
	queue          chan models.SecurityEvent
	handlers       []EventHandler
	workers        int
	handlerTimeout time.Duration
	logger         *slog.Logger
	onDrop         func()

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
}

func NewEventDispatcher(queueSize, workers int, logger *slog.Logger, handlers ...EventHandler) *EventDispatcher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 1
	}
	return &EventDispatcher{
		queue:          make(chan models.SecurityEvent, queueSize),
		handlers:       handlers,
		workers:        workers,
		handlerTimeout: 10 * time.Second,
		logger:         logger,
	}
}

// OnDrop registers a callback invoked for every dropped event
func (d *EventDispatcher) OnDrop(fn func()) {
	d.onDrop = fn
}

// Start launches the workers. They exit after Stop drains the queue.
func (d *EventDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
}

func (d *EventDispatcher) run() {
	defer d.wg.Done()
	for ev := range d.queue {
		d.dispatch(ev)
	}
}

func (d *EventDispatcher) dispatch(ev models.SecurityEvent) {
	for _, h := range d.handlers {
		func() {
			ctx, cancel := context.WithTimeout(context.Background(), d.handlerTimeout)
			defer cancel()
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("security event handler panicked",
						slog.String("event_type", ev.EventType),
						slog.Any("panic", r),
					)
				}
			}()
			h.HandleEvent(ctx, ev)
		}()
	}
}

func (d *EventDispatcher) Publish(ev models.SecurityEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(ev, "dispatcher stopped")
		return
	}

	select {
	case d.queue <- ev:
	default:
		d.drop(ev, "queue full")
	}
}

func (d *EventDispatcher) drop(ev models.SecurityEvent, reason string) {
	d.dropped.Add(1)
	if d.onDrop != nil {
		d.onDrop()
	}
	d.logger.Warn("security event dropped",
		slog.String("event_type", ev.EventType),
		slog.String("reason", reason),
	)
}

// Dropped returns the number of events discarded so far
func (d *EventDispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Stop closes the queue and waits for queued events to be handled or ctx to end
func (d *EventDispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
