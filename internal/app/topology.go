package app

import (
	"time"

	"github.com/imrishuroy/go-reservation-saga/internal/broker"
	"github.com/imrishuroy/go-reservation-saga/internal/config"
	"github.com/imrishuroy/go-reservation-saga/internal/reservation"
)

// Topology is the exchange and queue layout shared by every process role.
func Topology(cfg config.Config) broker.Topology {
	return broker.Topology{
		Exchange: cfg.Exchange,
		Queues: []broker.QueueSpec{
			{
				Name:            cfg.ProductsQueue,
				Bindings:        []string{reservation.KeyReserveStock, reservation.KeyReleaseStock},
				MaxReceiveCount: cfg.MaxReceiveCount,
			},
			{
				Name:            cfg.OrdersQueue,
				Bindings:        []string{reservation.KeyStockReserved},
				MaxReceiveCount: cfg.MaxReceiveCount,
			},
			{
				Name:            cfg.WebhookQueue,
				Bindings:        []string{reservation.KeyStockReserved, "orders.#"},
				MaxReceiveCount: cfg.MaxReceiveCount,
			},
			{
				// jobs only arrive through Enqueue. One job per receive keeps a
				// slow subscriber from outliving the visibility of queued jobs.
				Name:              cfg.WebhookDeliveryQueue,
				MaxReceiveCount:   cfg.MaxReceiveCount,
				VisibilityTimeout: cfg.WebhookTimeout + 30*time.Second,
				BatchSize:         1,
			},
		},
	}
}
