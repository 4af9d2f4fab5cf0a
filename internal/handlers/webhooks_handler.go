package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-reservation-saga/internal/idempotency"
	"github.com/imrishuroy/go-reservation-saga/internal/logging"
	"github.com/imrishuroy/go-reservation-saga/internal/webhook"
)

// DedupStats reports live dedup keys. *idempotency.DedupStore implements it.
type DedupStats interface {
	Stats(ctx context.Context) (idempotency.DedupStats, error)
}

type subscriberView struct {
	ID     string   `json:"id"`
	Events []string `json:"events"`
}

// RegisterWebhookRoutes exposes the delivery history and the configured
// subscribers for operators. Subscriber URLs are not listed.
func RegisterWebhookRoutes(r *gin.Engine, history *webhook.History, registry *webhook.Registry, dedup DedupStats, log *zap.Logger) {
	subs := make([]subscriberView, 0)
	for _, s := range registry.All() {
		subs = append(subs, subscriberView{ID: s.ID, Events: s.Events})
	}

	r.GET("/webhooks/jobs", func(c *gin.Context) {
		switch webhook.State(c.DefaultQuery("state", string(webhook.StateCompleted))) {
		case webhook.StateCompleted:
			c.JSON(http.StatusOK, gin.H{"jobs": history.Completed()})
		case webhook.StateFailed:
			c.JSON(http.StatusOK, gin.H{"jobs": history.Failed()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state", "allowed": []string{"completed", "failed"}})
		}
	})

	r.GET("/webhooks/stats", func(c *gin.Context) {
		out := gin.H{"jobs": history.Counts(), "subscribers": subs}
		stats, err := dedup.Stats(c.Request.Context())
		if err != nil {
			// the history is still useful while the store is down
			logging.FromContext(c.Request.Context(), log).Warn("dedup stats unavailable", zap.Error(err))
			out["dedup"] = gin.H{"status": idempotency.Unavailable.String()}
		} else {
			out["dedup"] = gin.H{"status": idempotency.Ok.String(), "keys": stats.Keys}
		}
		c.JSON(http.StatusOK, out)
	})
}
