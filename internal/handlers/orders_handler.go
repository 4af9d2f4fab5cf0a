package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-reservation-saga/internal/idempotency"
	"github.com/imrishuroy/go-reservation-saga/internal/logging"
	"github.com/imrishuroy/go-reservation-saga/internal/orders"
	"github.com/imrishuroy/go-reservation-saga/internal/saga"
	"github.com/imrishuroy/go-reservation-saga/internal/validation"
)

// OrderService is the saga entry point used by the API. *saga.Service implements it.
type OrderService interface {
	CreateOrder(ctx context.Context, in saga.CreateOrder) (*orders.Order, bool, error)
	GetOrder(ctx context.Context, orderID string) (*orders.Order, error)
}

// RequestLookup reads HTTP idempotency records. *idempotency.RequestStore implements it.
type RequestLookup interface {
	Get(ctx context.Context, key string) (*idempotency.RequestRecord, error)
}

// HandlerConfig groups dependencies for the orders handler.
type HandlerConfig struct {
	Orders   OrderService
	Requests RequestLookup
	Log      *zap.Logger
}

// RegisterOrdersRoutes registers routes for order API.
func RegisterOrdersRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()

	r.POST("/orders", func(c *gin.Context) {
		ctx := c.Request.Context()
		log := logging.FromContext(ctx, cfg.Log)

		// Bind + validate request
		var req validation.CreateOrderRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		// The key is optional; the saga generates one when it is missing.
		idempKey := c.GetHeader("Idempotency-Key")
		if idempKey != "" {
			rec, err := cfg.Requests.Get(ctx, idempKey)
			if err != nil {
				log.Error("idempotency lookup failed", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed"})
				return
			}
			// a settled order replays its stored final response
			if rec != nil && rec.Status == idempotency.StatusDone && rec.ResponseBody != "" {
				c.Header("Idempotent-Replayed", "true")
				c.Data(rec.ResponseStatus, "application/json", []byte(rec.ResponseBody))
				return
			}
		}

		order, created, err := cfg.Orders.CreateOrder(ctx, saga.CreateOrder{
			ProductID:      req.ProductID,
			Quantity:       req.Quantity,
			IdempotencyKey: idempKey,
		})
		if err != nil {
			log.Error("create order failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create_order_failed"})
			return
		}

		if !created {
			c.Header("Idempotent-Replayed", "true")
		}
		c.Header("Location", fmt.Sprintf("/orders/%s", order.OrderID))
		c.JSON(http.StatusAccepted, order)
	})

	r.GET("/orders/:id", func(c *gin.Context) {
		order, err := cfg.Orders.GetOrder(c.Request.Context(), c.Param("id"))
		if err != nil {
			logging.FromContext(c.Request.Context(), cfg.Log).Error("get order failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "get_order_failed"})
			return
		}
		if order == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "order_not_found"})
			return
		}
		c.JSON(http.StatusOK, order)
	})
}
