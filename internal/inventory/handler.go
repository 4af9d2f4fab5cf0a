package inventory

import (
	"context"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-reservation-saga/internal/broker"
	"github.com/imrishuroy/go-reservation-saga/internal/logging"
	"github.com/imrishuroy/go-reservation-saga/internal/metrics"
	"github.com/imrishuroy/go-reservation-saga/internal/reservation"
)

// Reserver is the ledger-backed stock API the handler drives.
type Reserver interface {
	Reserve(ctx context.Context, req reservation.Request) (reservation.Outcome, bool, error)
	Release(ctx context.Context, rel reservation.Release) (bool, error)
}

// Handler consumes the products queue.
type Handler struct {
	store   Reserver
	pub     broker.Publisher
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewHandler wires a Handler.
func NewHandler(store Reserver, pub broker.Publisher, log *zap.Logger, m *metrics.Metrics) *Handler {
	return &Handler{store: store, pub: pub, log: log.Named("inventory"), metrics: m}
}

// Route dispatches by routing key. Unknown commands can never succeed and
// are dead-lettered.
func (h *Handler) Route(ctx context.Context, d broker.Delivery) broker.Decision {
	switch d.RoutingKey {
	case reservation.KeyReserveStock:
		return h.HandleReserve(ctx, d)
	case reservation.KeyReleaseStock:
		return h.HandleRelease(ctx, d)
	}
	logging.FromContext(ctx, h.log).Warn("unknown routing key on products queue", zap.String("routing_key", d.RoutingKey))
	return broker.DeadLetter
}

// HandleReserve processes a reservation request and always publishes the
// outcome, including replays, so the saga can settle either way.
func (h *Handler) HandleReserve(ctx context.Context, d broker.Delivery) broker.Decision {
	log := logging.FromContext(ctx, h.log)

	req, err := reservation.DecodeRequest(d.Body)
	if err != nil {
		log.Warn("malformed reservation request", zap.Error(err))
		return broker.DeadLetter
	}
	log = log.With(zap.String("idempotency_key", req.IdempotencyKey), zap.String("product_id", req.ProductID))

	out, replayed, err := h.store.Reserve(ctx, req)
	if err != nil {
		log.Error("reserve failed", zap.Error(err))
		return broker.Requeue
	}
	h.count(out, replayed)

	if res := h.pub.Publish(ctx, reservation.KeyStockReserved, out); !res.Ok() {
		// the ledger makes the retry replay the same outcome
		log.Error("publish outcome failed", zap.Error(res.Err))
		return broker.Requeue
	}

	log.Info("reservation processed",
		zap.Bool("approved", out.Approved),
		zap.String("reason", string(out.Reason)),
		zap.Bool("replayed", replayed))
	return broker.Ack
}

// HandleRelease returns stock for a reservation the saga gave up on.
func (h *Handler) HandleRelease(ctx context.Context, d broker.Delivery) broker.Decision {
	log := logging.FromContext(ctx, h.log)

	rel, err := reservation.DecodeRelease(d.Body)
	if err != nil {
		log.Warn("malformed release command", zap.Error(err))
		return broker.DeadLetter
	}

	released, err := h.store.Release(ctx, rel)
	if err != nil {
		log.Error("release failed", zap.String("idempotency_key", rel.IdempotencyKey), zap.Error(err))
		return broker.Requeue
	}
	if h.metrics != nil && released {
		h.metrics.Reservations.WithLabelValues("released").Inc()
	}
	log.Info("release processed", zap.String("idempotency_key", rel.IdempotencyKey), zap.Bool("released", released))
	return broker.Ack
}

func (h *Handler) count(out reservation.Outcome, replayed bool) {
	if h.metrics == nil {
		return
	}
	result := "approved"
	switch {
	case replayed:
		result = "replayed"
	case !out.Approved:
		result = string(out.Reason)
	}
	h.metrics.Reservations.WithLabelValues(result).Inc()
}
