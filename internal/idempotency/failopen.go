package idempotency

import (
	"context"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-reservation-saga/internal/logging"
	"github.com/imrishuroy/go-reservation-saga/internal/metrics"
)

// Deduper is the result-typed dedup API. *DedupStore implements it.
type Deduper interface {
	TryProcess(ctx context.Context, eventName, key, subscriberID string) Result
	IsProcessed(ctx context.Context, eventName, key, subscriberID string) Result
	MarkAsProcessed(ctx context.Context, eventName, key, subscriberID string) Result
	Remove(ctx context.Context, eventName, key, subscriberID string) Result
}

// FailOpen answers dedup questions with a bias toward delivery: when the
// store is unavailable, nothing counts as processed and every triple counts
// as first-time. An occasional duplicate webhook is preferred over stalling
// all deliveries on a store outage.
type FailOpen struct {
	store   Deduper
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewFailOpen wraps store.
func NewFailOpen(store Deduper, log *zap.Logger, m *metrics.Metrics) *FailOpen {
	return &FailOpen{store: store, log: log.Named("dedup"), metrics: m}
}

// TryProcess reports true on first processing, and whenever the store is unavailable.
func (f *FailOpen) TryProcess(ctx context.Context, eventName, key, subscriberID string) bool {
	res := f.store.TryProcess(ctx, eventName, key, subscriberID)
	if res.Status == Unavailable {
		f.failOpen(ctx, "try_process", eventName, key, subscriberID, res)
		return true
	}
	return res.Value
}

// IsProcessed reports false whenever the store is unavailable.
func (f *FailOpen) IsProcessed(ctx context.Context, eventName, key, subscriberID string) bool {
	res := f.store.IsProcessed(ctx, eventName, key, subscriberID)
	if res.Status == Unavailable {
		f.failOpen(ctx, "is_processed", eventName, key, subscriberID, res)
		return false
	}
	return res.Value
}

// MarkAsProcessed records the triple. A store failure is logged and dropped.
func (f *FailOpen) MarkAsProcessed(ctx context.Context, eventName, key, subscriberID string) {
	res := f.store.MarkAsProcessed(ctx, eventName, key, subscriberID)
	if res.Status == Unavailable {
		f.failOpen(ctx, "mark_processed", eventName, key, subscriberID, res)
	}
}

// Remove forgets the triple. A store failure is logged and dropped.
func (f *FailOpen) Remove(ctx context.Context, eventName, key, subscriberID string) {
	res := f.store.Remove(ctx, eventName, key, subscriberID)
	if res.Status == Unavailable {
		f.failOpen(ctx, "remove", eventName, key, subscriberID, res)
	}
}

func (f *FailOpen) failOpen(ctx context.Context, op, eventName, key, subscriberID string, res Result) {
	logging.FromContext(ctx, f.log).Warn("dedup store unavailable, failing open",
		zap.String("op", op),
		zap.String("event", eventName),
		zap.String("idempotency_key", key),
		zap.String("subscriber_id", subscriberID),
		zap.Error(res.Err))
	if f.metrics != nil {
		f.metrics.DedupFailOpen.WithLabelValues(op).Inc()
	}
}
