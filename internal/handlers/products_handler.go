package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-reservation-saga/internal/inventory"
	"github.com/imrishuroy/go-reservation-saga/internal/logging"
	"github.com/imrishuroy/go-reservation-saga/internal/validation"
)

// ProductStore seeds and reads stock. *inventory.Store implements it.
type ProductStore interface {
	PutProduct(ctx context.Context, p inventory.Product) error
	GetProduct(ctx context.Context, productID string) (*inventory.Product, error)
}

// RegisterProductsRoutes registers the stock seeding routes.
func RegisterProductsRoutes(r *gin.Engine, store ProductStore, log *zap.Logger) {
	v := validation.New()

	r.PUT("/products/:id", func(c *gin.Context) {
		id := c.Param("id")
		if err := v.Var(id, "productid"); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_product_id"})
			return
		}

		var req validation.UpsertProductRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}

		p := inventory.Product{ProductID: id, Name: req.Name, Stock: *req.Stock}
		if err := store.PutProduct(c.Request.Context(), p); err != nil {
			logging.FromContext(c.Request.Context(), log).Error("put product failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "put_product_failed"})
			return
		}
		c.JSON(http.StatusOK, p)
	})

	r.GET("/products/:id", func(c *gin.Context) {
		p, err := store.GetProduct(c.Request.Context(), c.Param("id"))
		if err != nil {
			logging.FromContext(c.Request.Context(), log).Error("get product failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "get_product_failed"})
			return
		}
		if p == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "product_not_found"})
			return
		}
		c.JSON(http.StatusOK, p)
	})
}
