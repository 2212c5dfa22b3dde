package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// LogEmitter writes events to the structured log.
type LogEmitter struct{}

func (LogEmitter) Emit(_ context.Context, ev Event) error {
	attrs := []any{"event_id", ev.ID, "type", ev.Type, "tenant_id", ev.TenantID}
	if ev.ConversationID != nil {
		attrs = append(attrs, "conversation_id", *ev.ConversationID)
	}
	for k, v := range ev.Detail {
		attrs = append(attrs, k, v)
	}
	slog.Info("routing event", attrs...)
	return nil
}

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
}

func NewRedisPublisher(rdb *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = "hebelki:chat:events"
	}
	return &RedisPublisher{rdb: rdb, channel: channel}
}

func (p *RedisPublisher) Emit(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, raw).Err()
}

// TaskPrefix prefixes asynq task types, e.g. "notify:escalated".
const TaskPrefix = "notify:"

// AsynqEmitter enqueues one asynq task per event for the notification workers.
type AsynqEmitter struct {
	client *asynq.Client
	queue  string
}

func NewAsynqEmitter(client *asynq.Client, queue string) *AsynqEmitter {
	return &AsynqEmitter{client: client, queue: queue}
}

// NewTask builds the asynq task for ev.
func NewTask(ev Event) (*asynq.Task, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return asynq.NewTask(TaskPrefix+string(ev.Type), payload), nil
}

func (e *AsynqEmitter) Emit(ctx context.Context, ev Event) error {
	task, err := NewTask(ev)
	if err != nil {
		return err
	}
	opts := []asynq.Option{
		asynq.TaskID(ev.ID.String()), // redelivery of the same event is a no-op
		asynq.MaxRetry(5),
		asynq.Retention(24 * time.Hour),
	}
	if e.queue != "" {
		opts = append(opts, asynq.Queue(e.queue))
	}
	_, err = e.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	return err
}

// Fanout emits to every backend and joins their errors.
type Fanout []Emitter

func (f Fanout) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, e := range f {
		if err := e.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory. Useful in tests and dry runs.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Emit(_ context.Context, ev Event) error {
	r.Publish(ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}
