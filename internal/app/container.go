// Package app wires the long-lived resources of a process and owns their
// lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-reservation-saga/internal/aws"
	"github.com/imrishuroy/go-reservation-saga/internal/broker"
	"github.com/imrishuroy/go-reservation-saga/internal/config"
	"github.com/imrishuroy/go-reservation-saga/internal/idempotency"
	"github.com/imrishuroy/go-reservation-saga/internal/inventory"
	"github.com/imrishuroy/go-reservation-saga/internal/metrics"
	"github.com/imrishuroy/go-reservation-saga/internal/orders"
	"github.com/imrishuroy/go-reservation-saga/internal/saga"
	"github.com/imrishuroy/go-reservation-saga/internal/tracing"
	"github.com/imrishuroy/go-reservation-saga/internal/webhook"
)

// Container holds everything a process role needs. Build it with New, call
// Start before serving and Shutdown on exit.
type Container struct {
	Config   config.Config
	Log      *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	AWS      *aws.AWSClients
	Alarms   *aws.MetricEmitter
	Broker   *broker.Manager

	Orders    *orders.Store
	Requests  *idempotency.RequestStore
	Inventory *inventory.Store
	Dedup     *idempotency.DedupStore
	Saga      *saga.Service

	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// New builds a container from cfg and already constructed AWS clients.
func New(cfg config.Config, clients *aws.AWSClients, log *zap.Logger) *Container {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	alarms := aws.NewMetricEmitter(clients.CloudWatch, cfg.MetricsNamespace)

	mgr := broker.New(clients.SQS, Topology(cfg), log, m,
		broker.WithAlarms(alarms),
		broker.WithHandlerTimeout(cfg.WebhookTimeout+cfg.WebhookTimeout/2),
	)

	c := &Container{
		Config:    cfg,
		Log:       log,
		Registry:  reg,
		Metrics:   m,
		AWS:       clients,
		Alarms:    alarms,
		Broker:    mgr,
		Orders:    orders.NewStore(clients.DynamoDB, cfg.OrdersTable, cfg.IdempotencyTable),
		Requests:  idempotency.NewRequestStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.RequestTTL),
		Inventory: inventory.NewStore(clients.DynamoDB, cfg.ProductsTable, cfg.ReservationsTable),
		Dedup:     idempotency.NewDedupStore(clients.DynamoDB, cfg.DedupTable, cfg.DedupTTL),
	}
	c.Saga = saga.NewService(c.Orders, c.Requests, mgr, log, m, saga.Config{
		ReservationTimeout: cfg.ReservationTimeout,
		MaxReissues:        cfg.MaxReissues,
	})
	return c
}

// Bootstrap loads AWS clients, tracing and the container in one step.
func Bootstrap(ctx context.Context, cfg config.Config, log *zap.Logger) (*Container, error) {
	shutdownTracing, err := tracing.Setup(ctx, cfg.ServiceName, cfg.Version, cfg.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}
	clients, err := aws.NewAWSClients(ctx, cfg.AWSRegion, cfg.AWSEndpoint)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, fmt.Errorf("init aws clients: %w", err)
	}
	c := New(cfg, clients, log)
	c.OnShutdown("tracing", shutdownTracing)
	return c, nil
}

// Start connects the broker and declares the topology. A failure means the
// process cannot do its job.
func (c *Container) Start(ctx context.Context) error {
	if err := c.Broker.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	if err := c.Broker.AssertTopology(ctx); err != nil {
		return fmt.Errorf("assert topology: %w", err)
	}
	c.OnShutdown("broker", c.Broker.Close)
	return nil
}

// OnShutdown registers fn to run on Shutdown. Closers run in reverse order
// of registration.
func (c *Container) OnShutdown(name string, fn func(context.Context) error) {
	c.closers = append(c.closers, closer{name: name, fn: fn})
}

// Shutdown runs the registered closers, last registered first, and flushes
// the logger.
func (c *Container) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		cl := c.closers[i]
		if err := cl.fn(ctx); err != nil {
			c.Log.Warn("shutdown step failed", zap.String("step", cl.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", cl.name, err))
		}
	}
	c.closers = nil
	_ = c.Log.Sync()
	return errors.Join(errs...)
}

// Sweeper returns the reservation timeout sweeper.
func (c *Container) Sweeper() *saga.Sweeper {
	return saga.NewSweeper(c.Saga, c.Config.SweepInterval, c.Log)
}

// InventoryHandler returns the products queue handler.
func (c *Container) InventoryHandler() *inventory.Handler {
	return inventory.NewHandler(c.Inventory, c.Broker, c.Log, c.Metrics)
}

// Webhooks builds the fan-out and delivery sides from the configured subscribers.
func (c *Container) Webhooks() (*webhook.Fanout, *webhook.Queue, error) {
	subs, err := webhook.ParseSubscribers(c.Config.WebhookSubscribers)
	if err != nil {
		return nil, nil, err
	}
	dedup := idempotency.NewFailOpen(c.Dedup, c.Log, c.Metrics)
	fanout := webhook.NewFanout(webhook.NewRegistry(subs), dedup, c.Broker, c.Config.WebhookDeliveryQueue, c.Config.WebhookMaxAttempts, c.Log)
	queue := webhook.NewQueue(dedup, c.Broker,
		webhook.NewHistory(c.Config.WebhookCompletedLimit, c.Config.WebhookFailedLimit),
		c.Log, c.Metrics,
		webhook.QueueConfig{
			Queue:   c.Config.WebhookDeliveryQueue,
			Timeout: c.Config.WebhookTimeout,
			Backoff: c.Config.WebhookBackoff,
		},
		webhook.WithJobAlarms(c.Alarms),
	)
	return fanout, queue, nil
}
