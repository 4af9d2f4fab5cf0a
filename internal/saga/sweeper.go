package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-reservation-saga/internal/orders"
	"github.com/imrishuroy/go-reservation-saga/internal/reservation"
)

// SweepResult counts what one ExpirePending pass did.
type SweepResult struct {
	Reissued int
	Expired  int
}

// ExpirePending acts on orders that waited longer than the reservation
// timeout. The request is re-sent with the same idempotency key up to
// MaxReissues times; after that the order is rejected with
// RESERVATION_TIMEOUT.
func (s *Service) ExpirePending(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := s.now().Add(-s.cfg.ReservationTimeout)

	stale, err := s.orders.ListPendingBefore(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("list pending: %w", err)
	}

	var errs []error
	for _, o := range stale {
		log := s.log.With(zap.String("order_id", o.OrderID), zap.String("idempotency_key", o.IdempotencyKey))

		if o.Reissues < s.cfg.MaxReissues {
			if pr := s.pub.Publish(ctx, reservation.KeyReserveStock, requestFor(o)); !pr.Ok() {
				errs = append(errs, fmt.Errorf("reissue %s: %w", o.OrderID, pr.Err))
				continue
			}
			if err := s.orders.MarkReissued(ctx, o.OrderID); err != nil {
				if !errors.Is(err, orders.ErrStatusMismatch) {
					errs = append(errs, fmt.Errorf("mark reissued %s: %w", o.OrderID, err))
				}
				continue
			}
			log.Info("reservation request reissued", zap.Int("reissues", o.Reissues+1))
			res.Reissued++
			continue
		}

		err := s.orders.Transition(ctx, o.OrderID, orders.StatusPending, orders.StatusRejected, string(reservation.ReasonTimeout))
		if errors.Is(err, orders.ErrStatusMismatch) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", o.OrderID, err))
			continue
		}
		o.Status, o.Reason = orders.StatusRejected, string(reservation.ReasonTimeout)
		s.settled(ctx, log, o)
		res.Expired++
	}
	return res, errors.Join(errs...)
}

// Sweeper runs ExpirePending on an interval.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	log      *zap.Logger
}

// NewSweeper returns a Sweeper for svc.
func NewSweeper(svc *Service, interval time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{svc: svc, interval: interval, log: log.Named("sweeper")}
}

// Run sweeps until ctx is cancelled. A failed pass is logged and retried on
// the next tick.
func (sw *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res, err := sw.svc.ExpirePending(ctx)
			if err != nil {
				sw.log.Error("sweep failed", zap.Error(err))
			}
			if res.Reissued > 0 || res.Expired > 0 {
				sw.log.Info("sweep finished", zap.Int("reissued", res.Reissued), zap.Int("expired", res.Expired))
			}
		}
	}
}
