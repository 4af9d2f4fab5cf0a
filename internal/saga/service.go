// Package saga drives orders from PENDING to CONFIRMED or REJECTED as stock
// reservation outcomes arrive from the inventory side.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-reservation-saga/internal/broker"
	"github.com/imrishuroy/go-reservation-saga/internal/idempotency"
	"github.com/imrishuroy/go-reservation-saga/internal/logging"
	"github.com/imrishuroy/go-reservation-saga/internal/metrics"
	"github.com/imrishuroy/go-reservation-saga/internal/orders"
	"github.com/imrishuroy/go-reservation-saga/internal/reservation"
)

// OrderStore is the persistence the saga needs. *orders.Store implements it.
type OrderStore interface {
	CreateWithIdempotencyTransaction(ctx context.Context, rec idempotency.RequestRecord, order orders.Order) error
	Get(ctx context.Context, orderID string) (*orders.Order, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*orders.Order, error)
	Transition(ctx context.Context, orderID string, from, to orders.Status, reason string) error
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]orders.Order, error)
	MarkReissued(ctx context.Context, orderID string) error
}

// RequestRecords settles HTTP idempotency records. *idempotency.RequestStore implements it.
type RequestRecords interface {
	NewRecord(key, orderID string) idempotency.RequestRecord
	MarkDone(ctx context.Context, key, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, note string) error
}

// Config tunes the reservation timeout policy.
type Config struct {
	// ReservationTimeout is how long an order may wait for an outcome
	// before the sweeper acts on it.
	ReservationTimeout time.Duration
	// MaxReissues is how many times a stale request is re-sent before the
	// order is rejected with RESERVATION_TIMEOUT.
	MaxReissues int
}

// CreateOrder is the input of Service.CreateOrder.
type CreateOrder struct {
	ProductID      string
	Quantity       int
	IdempotencyKey string
}

// OrderEvent is published on orders.* routing keys.
type OrderEvent struct {
	OrderID        string        `json:"orderId"`
	ProductID      string        `json:"productId"`
	Quantity       int           `json:"quantity"`
	Status         orders.Status `json:"status"`
	Reason         string        `json:"reason,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey"`
	OccurredAt     time.Time     `json:"occurredAt"`
}

// Service owns the order state machine.
type Service struct {
	orders   OrderStore
	requests RequestRecords
	pub      broker.Publisher
	log      *zap.Logger
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
}

// NewService wires a Service.
func NewService(store OrderStore, requests RequestRecords, pub broker.Publisher, log *zap.Logger, m *metrics.Metrics, cfg Config) *Service {
	return &Service{
		orders:   store,
		requests: requests,
		pub:      pub,
		log:      log.Named("saga"),
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

// CreateOrder persists a PENDING order and asks the inventory side to
// reserve stock. created is false when the idempotency key already produced
// an order, which is then returned as is.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrder) (*orders.Order, bool, error) {
	key := in.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}
	log := logging.FromContext(ctx, s.log).With(zap.String("idempotency_key", key))

	now := s.now().UTC()
	order := orders.Order{
		OrderID:        uuid.NewString(),
		ProductID:      in.ProductID,
		Quantity:       in.Quantity,
		Status:         orders.StatusPending,
		IdempotencyKey: key,
		PendingSince:   now.Unix(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.orders.CreateWithIdempotencyTransaction(ctx, s.requests.NewRecord(key, order.OrderID), order)
	if errors.Is(err, orders.ErrDuplicateKey) {
		existing, getErr := s.orders.GetByIdempotencyKey(ctx, key)
		if getErr != nil {
			return nil, false, fmt.Errorf("load existing order: %w", getErr)
		}
		if existing == nil {
			return nil, false, fmt.Errorf("idempotency key %s has no order", key)
		}
		log.Info("order replayed", zap.String("order_id", existing.OrderID))
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("create order: %w", err)
	}
	log = log.With(zap.String("order_id", order.OrderID))

	if res := s.pub.Publish(ctx, reservation.KeyReserveStock, requestFor(order)); !res.Ok() {
		// the sweeper re-issues the request once the order goes stale
		log.Error("publish reservation request failed", zap.Error(res.Err))
		if err := s.requests.MarkFailed(ctx, key, fmt.Sprintf("reserve_publish_failed: %v", res.Err)); err != nil {
			log.Warn("mark request failed", zap.Error(err))
		}
	}
	if res := s.pub.Publish(ctx, reservation.KeyOrderCreated, s.event(order)); !res.Ok() {
		log.Warn("publish orders.created failed", zap.Error(res.Err))
	}

	log.Info("order created", zap.String("product_id", order.ProductID), zap.Int("quantity", order.Quantity))
	return &order, true, nil
}

// GetOrder returns the order or nil.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*orders.Order, error) {
	return s.orders.Get(ctx, orderID)
}

// HandleOutcome applies a reservation outcome. Outcomes for terminal orders
// are duplicates and leave the order untouched.
func (s *Service) HandleOutcome(ctx context.Context, d broker.Delivery) broker.Decision {
	log := logging.FromContext(ctx, s.log)

	out, err := reservation.DecodeOutcome(d.Body)
	if err != nil {
		log.Warn("malformed reservation outcome", zap.Error(err))
		return broker.DeadLetter
	}
	log = log.With(zap.String("idempotency_key", out.IdempotencyKey))

	order, err := s.orders.GetByIdempotencyKey(ctx, out.IdempotencyKey)
	if err != nil {
		log.Error("load order failed", zap.Error(err))
		return broker.Requeue
	}
	if order == nil {
		log.Warn("outcome for unknown order discarded")
		return broker.Ack
	}
	log = log.With(zap.String("order_id", order.OrderID))

	if orders.IsTerminal(order.Status) {
		return s.compensateIfLate(ctx, log, *order, out)
	}

	to, reason := orders.StatusConfirmed, ""
	if !out.Approved {
		to, reason = orders.StatusRejected, string(out.Reason)
	}

	err = s.orders.Transition(ctx, order.OrderID, orders.StatusPending, to, reason)
	if errors.Is(err, orders.ErrStatusMismatch) {
		// a concurrent delivery or the sweeper settled it first
		current, getErr := s.orders.Get(ctx, order.OrderID)
		if getErr != nil {
			log.Error("reload order failed", zap.Error(getErr))
			return broker.Requeue
		}
		if current == nil {
			return broker.Ack
		}
		return s.compensateIfLate(ctx, log, *current, out)
	}
	if err != nil {
		log.Error("transition failed", zap.Error(err))
		return broker.Requeue
	}

	order.Status, order.Reason = to, reason
	s.settled(ctx, log, *order)
	return broker.Ack
}

// compensateIfLate releases stock for an approval that arrived after the
// order was rejected by timeout. Any other outcome for a terminal order is
// a duplicate.
func (s *Service) compensateIfLate(ctx context.Context, log *zap.Logger, order orders.Order, out reservation.Outcome) broker.Decision {
	late := out.Approved &&
		order.Status == orders.StatusRejected &&
		order.Reason == string(reservation.ReasonTimeout)
	if !late {
		log.Info("duplicate outcome discarded", zap.String("status", string(order.Status)))
		return broker.Ack
	}

	rel := reservation.Release{
		ProductID:      order.ProductID,
		Quantity:       order.Quantity,
		IdempotencyKey: order.IdempotencyKey,
	}
	if res := s.pub.Publish(ctx, reservation.KeyReleaseStock, rel); !res.Ok() {
		log.Error("publish release failed", zap.Error(res.Err))
		return broker.Requeue
	}
	log.Info("late approval compensated")
	return broker.Ack
}

// settled publishes the terminal event and stores the final response for
// idempotent replays. Both are best effort once the transition is durable.
func (s *Service) settled(ctx context.Context, log *zap.Logger, order orders.Order) {
	if s.metrics != nil {
		s.metrics.SagaTransitions.WithLabelValues(string(orders.StatusPending), string(order.Status)).Inc()
	}

	key := reservation.KeyOrderConfirmed
	if order.Status == orders.StatusRejected {
		key = reservation.KeyOrderRejected
	}
	if res := s.pub.Publish(ctx, key, s.event(order)); !res.Ok() {
		log.Error("publish order event failed", zap.String("routing_key", key), zap.Error(res.Err))
	}

	body, err := json.Marshal(order)
	if err != nil {
		log.Error("marshal order response", zap.Error(err))
		return
	}
	if err := s.requests.MarkDone(ctx, order.IdempotencyKey, string(body), http.StatusOK); err != nil {
		log.Warn("mark request done failed", zap.Error(err))
	}
	log.Info("order settled", zap.String("status", string(order.Status)), zap.String("reason", order.Reason))
}

func (s *Service) event(o orders.Order) OrderEvent {
	return OrderEvent{
		OrderID:        o.OrderID,
		ProductID:      o.ProductID,
		Quantity:       o.Quantity,
		Status:         o.Status,
		Reason:         o.Reason,
		IdempotencyKey: o.IdempotencyKey,
		OccurredAt:     s.now().UTC(),
	}
}

func requestFor(o orders.Order) reservation.Request {
	return reservation.Request{
		ProductID:      o.ProductID,
		Quantity:       o.Quantity,
		IdempotencyKey: o.IdempotencyKey,
	}
}
