package webhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-reservation-saga/internal/broker"
	"github.com/imrishuroy/go-reservation-saga/internal/idempotency"
	"github.com/imrishuroy/go-reservation-saga/internal/logging"
)

// Dedup is the fail-open dedup API. *idempotency.FailOpen implements it.
type Dedup interface {
	TryProcess(ctx context.Context, eventName, key, subscriberID string) bool
	IsProcessed(ctx context.Context, eventName, key, subscriberID string) bool
	MarkAsProcessed(ctx context.Context, eventName, key, subscriberID string)
	Remove(ctx context.Context, eventName, key, subscriberID string)
}

// Fanout turns each event into one delivery job per interested subscriber.
type Fanout struct {
	registry    *Registry
	dedup       Dedup
	enq         broker.Enqueuer
	queue       string
	maxAttempts int
	log         *zap.Logger
	now         func() time.Time
}

// NewFanout returns a Fanout enqueuing jobs on queue.
func NewFanout(registry *Registry, dedup Dedup, enq broker.Enqueuer, queue string, maxAttempts int, log *zap.Logger) *Fanout {
	return &Fanout{
		registry:    registry,
		dedup:       dedup,
		enq:         enq,
		queue:       queue,
		maxAttempts: maxAttempts,
		log:         log.Named("webhook.fanout"),
		now:         time.Now,
	}
}

// Registry returns the subscribers the fan-out matches against.
func (f *Fanout) Registry() *Registry { return f.registry }

// Handle enqueues the jobs for one event. A redelivered event does not
// create a second job for a subscriber that already has one.
func (f *Fanout) Handle(ctx context.Context, d broker.Delivery) broker.Decision {
	log := logging.FromContext(ctx, f.log).With(zap.String("event", d.RoutingKey))

	if !json.Valid(d.Body) {
		log.Warn("event is not valid JSON")
		return broker.DeadLetter
	}
	key := idempotencyKey(d)

	for _, sub := range f.registry.Match(d.RoutingKey) {
		marker := idempotency.Marker("enqueue", sub.ID)
		if !f.dedup.TryProcess(ctx, d.RoutingKey, key, marker) {
			log.Debug("job already enqueued", zap.String("subscriber_id", sub.ID), zap.String("idempotency_key", key))
			continue
		}

		job := Job{
			ID:             uuid.NewString(),
			SubscriberID:   sub.ID,
			URL:            sub.URL,
			EventName:      d.RoutingKey,
			IdempotencyKey: key,
			Payload:        json.RawMessage(d.Body),
			Attempt:        1,
			MaxAttempts:    f.maxAttempts,
			State:          StateWaiting,
			CreatedAt:      f.now().UTC(),
		}
		if res := f.enq.Enqueue(ctx, f.queue, job, 0); !res.Ok() {
			f.dedup.Remove(ctx, d.RoutingKey, key, marker)
			log.Error("enqueue job failed", zap.String("subscriber_id", sub.ID), zap.Error(res.Err))
			return broker.Requeue
		}
		log.Info("job enqueued", zap.String("job_id", job.ID), zap.String("subscriber_id", sub.ID))
	}
	return broker.Ack
}

// idempotencyKey prefers the key carried by the event and falls back to the
// broker message id.
func idempotencyKey(d broker.Delivery) string {
	var env struct {
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := json.Unmarshal(d.Body, &env); err == nil && env.IdempotencyKey != "" {
		return env.IdempotencyKey
	}
	return d.MessageID
}
