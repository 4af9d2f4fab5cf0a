package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-reservation-saga/internal/aws/awstest"
	"github.com/imrishuroy/go-reservation-saga/internal/broker"
	"github.com/imrishuroy/go-reservation-saga/internal/broker/brokertest"
	"github.com/imrishuroy/go-reservation-saga/internal/idempotency"
	"github.com/imrishuroy/go-reservation-saga/internal/inventory"
	"github.com/imrishuroy/go-reservation-saga/internal/metrics"
	"github.com/imrishuroy/go-reservation-saga/internal/orders"
	"github.com/imrishuroy/go-reservation-saga/internal/reservation"
	"github.com/imrishuroy/go-reservation-saga/internal/saga"
	"github.com/imrishuroy/go-reservation-saga/internal/webhook"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type api struct {
	router  *gin.Engine
	svc     *saga.Service
	inv     *inventory.Store
	pub     *brokertest.Recorder
	db      *awstest.DynamoDB
	history *webhook.History
}

func newAPI(t *testing.T) *api {
	t.Helper()
	db := awstest.NewDynamoDB().
		CreateTable("orders", "order_id").
		CreateTable("idempotency", "idempotency_key").
		CreateTable("products", "product_id").
		CreateTable("reservations", "idempotency_key").
		CreateTable("webhook_dedup", "dedup_key")

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	pub := &brokertest.Recorder{}
	requests := idempotency.NewRequestStore(db, "idempotency", 48*time.Hour)
	svc := saga.NewService(orders.NewStore(db, "orders", "idempotency"), requests, pub, zap.NewNop(), m,
		saga.Config{ReservationTimeout: 2 * time.Minute, MaxReissues: 2})

	a := &api{
		router:  NewRouter(zap.NewNop(), reg),
		svc:     svc,
		inv:     inventory.NewStore(db, "products", "reservations"),
		pub:     pub,
		db:      db,
		history: webhook.NewHistory(100, 500),
	}
	RegisterOrdersRoutes(a.router, HandlerConfig{Orders: svc, Requests: requests, Log: zap.NewNop()})
	RegisterProductsRoutes(a.router, a.inv, zap.NewNop())
	subs := webhook.NewRegistry([]webhook.Subscriber{{ID: "crm", URL: "https://crm.example.com/hooks?token=s3cret", Events: []string{"orders.*"}}})
	RegisterWebhookRoutes(a.router, a.history, subs, idempotency.NewDedupStore(db, "webhook_dedup", time.Hour), zap.NewNop())
	return a
}

func (a *api) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHealthAndMetrics(t *testing.T) {
	a := newAPI(t)

	w := a.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-Id"))

	a.do(http.MethodPost, "/orders", `{"productId":"P1","quantity":1}`, nil)
	w = a.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateOrder_Accepted(t *testing.T) {
	a := newAPI(t)

	w := a.do(http.MethodPost, "/orders", `{"productId":"P1","quantity":3}`, map[string]string{"Idempotency-Key": "key-1"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var o orders.Order
	decode(t, w, &o)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, "key-1", o.IdempotencyKey)
	assert.Equal(t, "/orders/"+o.OrderID, w.Header().Get("Location"))
	assert.Empty(t, w.Header().Get("Idempotent-Replayed"))
	assert.Len(t, a.pub.Published(reservation.KeyReserveStock), 1)

	w = a.do(http.MethodGet, "/orders/"+o.OrderID, "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateOrder_SameKeyReplays(t *testing.T) {
	a := newAPI(t)
	hdr := map[string]string{"Idempotency-Key": "key-1"}

	first := a.do(http.MethodPost, "/orders", `{"productId":"P1","quantity":3}`, hdr)
	require.Equal(t, http.StatusAccepted, first.Code)
	second := a.do(http.MethodPost, "/orders", `{"productId":"P1","quantity":3}`, hdr)
	require.Equal(t, http.StatusAccepted, second.Code)

	var o1, o2 orders.Order
	decode(t, first, &o1)
	decode(t, second, &o2)
	assert.Equal(t, o1.OrderID, o2.OrderID)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Len(t, a.pub.Published(reservation.KeyReserveStock), 1)
}

func TestCreateOrder_SettledOrderReplaysStoredResponse(t *testing.T) {
	a := newAPI(t)
	ctx := context.Background()
	require.NoError(t, a.inv.PutProduct(ctx, inventory.Product{ProductID: "P1", Stock: 5}))
	hdr := map[string]string{"Idempotency-Key": "key-1"}

	w := a.do(http.MethodPost, "/orders", `{"productId":"P1","quantity":3}`, hdr)
	require.Equal(t, http.StatusAccepted, w.Code)

	// settle the saga
	invHandler := inventory.NewHandler(a.inv, a.pub, zap.NewNop(), nil)
	req := a.pub.Published(reservation.KeyReserveStock)[0]
	require.Equal(t, broker.Ack, invHandler.Route(ctx, broker.Delivery{RoutingKey: req.RoutingKey, Body: req.Body}))
	out := a.pub.Published(reservation.KeyStockReserved)[0]
	require.Equal(t, broker.Ack, a.svc.HandleOutcome(ctx, broker.Delivery{Body: out.Body}))

	w = a.do(http.MethodPost, "/orders", `{"productId":"P1","quantity":3}`, hdr)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("Idempotent-Replayed"))
	var o orders.Order
	decode(t, w, &o)
	assert.Equal(t, orders.StatusConfirmed, o.Status)
}

func TestCreateOrder_Validation(t *testing.T) {
	a := newAPI(t)

	cases := map[string]string{
		"not json":          `{`,
		"missing product":   `{"quantity":1}`,
		"zero quantity":     `{"productId":"P1","quantity":0}`,
		"negative quantity": `{"productId":"P1","quantity":-2}`,
		"bad product id":    `{"productId":"../etc","quantity":1}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := a.do(http.MethodPost, "/orders", body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Empty(t, a.pub.Published(reservation.KeyReserveStock))
}

func TestCreateOrder_StoreDown(t *testing.T) {
	a := newAPI(t)
	a.db.Err = assert.AnError

	w := a.do(http.MethodPost, "/orders", `{"productId":"P1","quantity":1}`, map[string]string{"Idempotency-Key": "k"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetOrder_NotFound(t *testing.T) {
	a := newAPI(t)
	w := a.do(http.MethodGet, "/orders/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProducts(t *testing.T) {
	a := newAPI(t)

	w := a.do(http.MethodPut, "/products/P1", `{"name":"Widget","stock":5}`, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(http.MethodGet, "/products/P1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var p inventory.Product
	decode(t, w, &p)
	assert.Equal(t, 5, p.Stock)
	assert.Equal(t, "Widget", p.Name)

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPut, "/products/P1", `{"stock":-1}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPut, "/products/P1", `{"name":"x"}`, nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodPut, "/products/%20bad", `{"stock":1}`, nil).Code)
	assert.Equal(t, http.StatusNotFound, a.do(http.MethodGet, "/products/P2", "", nil).Code)
}

func TestWebhookRoutes(t *testing.T) {
	a := newAPI(t)
	a.history.Complete(webhook.Job{ID: "j-1", State: webhook.StateCompleted})
	a.history.Fail(webhook.Job{ID: "j-2", State: webhook.StateFailed})
	a.history.Fail(webhook.Job{ID: "j-3", State: webhook.StateFailed})

	var jobs struct {
		Jobs []webhook.Job `json:"jobs"`
	}
	w := a.do(http.MethodGet, "/webhooks/jobs", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &jobs)
	require.Len(t, jobs.Jobs, 1)
	assert.Equal(t, "j-1", jobs.Jobs[0].ID)

	w = a.do(http.MethodGet, "/webhooks/jobs?state=failed", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &jobs)
	require.Len(t, jobs.Jobs, 2)
	assert.Equal(t, "j-3", jobs.Jobs[0].ID)

	assert.Equal(t, http.StatusBadRequest, a.do(http.MethodGet, "/webhooks/jobs?state=running", "", nil).Code)

	w = a.do(http.MethodGet, "/webhooks/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{
		"jobs":{"completed":1,"failed":2,"totalCompleted":1,"totalFailed":2},
		"subscribers":[{"id":"crm","events":["orders.*"]}],
		"dedup":{"status":"ok","keys":0}
	}`, w.Body.String())
	assert.NotContains(t, w.Body.String(), "s3cret")

	a.db.Err = assert.AnError
	w = a.do(http.MethodGet, "/webhooks/stats", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"unavailable"`)
}
