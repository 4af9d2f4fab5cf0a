package main

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-reservation-saga/internal/app"
	"github.com/imrishuroy/go-reservation-saga/internal/broker"
	"github.com/imrishuroy/go-reservation-saga/internal/handlers"
)

// Role selects which queues a worker consumes.
type Role string

const (
	// RoleInventory consumes the products queue.
	RoleInventory Role = "inventory"
	// RoleSaga settles orders from reservation outcomes and sweeps stale ones.
	RoleSaga Role = "saga"
	// RoleWebhooks fans events out and delivers webhook jobs.
	RoleWebhooks Role = "webhooks"
)

// roleSetup is what a role contributes to the worker: queue handlers,
// optional operator routes and background tasks for long-running mode.
type roleSetup struct {
	handlers map[string]broker.Handler
	routes   func(r *gin.Engine)
	tasks    []app.Task
}

func setupRole(role Role, c *app.Container) (roleSetup, error) {
	switch role {
	case RoleInventory:
		h := c.InventoryHandler()
		return roleSetup{
			handlers: map[string]broker.Handler{c.Config.ProductsQueue: h.Route},
			routes:   func(*gin.Engine) {},
		}, nil
	case RoleSaga:
		// tasks only run in long-running mode; a Lambda deployment has no sweeper
		return roleSetup{
			handlers: map[string]broker.Handler{c.Config.OrdersQueue: c.Saga.HandleOutcome},
			routes:   func(*gin.Engine) {},
			tasks:    []app.Task{{Name: "sweeper", Run: c.Sweeper().Run}},
		}, nil
	case RoleWebhooks:
		fanout, queue, err := c.Webhooks()
		if err != nil {
			return roleSetup{}, err
		}
		return roleSetup{
			handlers: map[string]broker.Handler{
				c.Config.WebhookQueue:         fanout.Handle,
				c.Config.WebhookDeliveryQueue: queue.HandleJob,
			},
			routes: func(r *gin.Engine) {
				handlers.RegisterWebhookRoutes(r, queue.History(), fanout.Registry(), c.Dedup, c.Log)
			},
		}, nil
	}
	return roleSetup{}, fmt.Errorf("unknown WORKER_ROLE %q", role)
}
