package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const emitTimeout = 10 * time.Second

// Queue is a bounded outbound event queue drained by one worker goroutine.
// Publish never blocks: when the buffer is full the event is dropped and logged.
type Queue struct {
	backend Emitter
	ch      chan Event
	wg      sync.WaitGroup
	once    sync.Once
}

// NewQueue starts the worker. Call Close to drain and stop it.
func NewQueue(backend Emitter, size int) *Queue {
	if size <= 0 {
		size = 256
	}
	q := &Queue{backend: backend, ch: make(chan Event, size)}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *Queue) Publish(ev Event) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.Must(uuid.NewV7())
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	defer func() {
		// Publish after Close must not panic the request path.
		if r := recover(); r != nil {
			slog.Warn("event dropped: queue closed", "type", ev.Type, "tenant_id", ev.TenantID)
		}
	}()
	select {
	case q.ch <- ev:
	default:
		slog.Warn("event dropped: queue full", "type", ev.Type, "tenant_id", ev.TenantID)
	}
}

func (q *Queue) run() {
	defer q.wg.Done()
	for ev := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		if err := q.backend.Emit(ctx, ev); err != nil {
			slog.Warn("event emit failed", "type", ev.Type, "tenant_id", ev.TenantID, "event_id", ev.ID, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits until queued ones are emitted.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.ch) })
	q.wg.Wait()
}
