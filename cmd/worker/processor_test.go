package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-reservation-saga/internal/app"
	"github.com/imrishuroy/go-reservation-saga/internal/aws"
	"github.com/imrishuroy/go-reservation-saga/internal/aws/awstest"
	"github.com/imrishuroy/go-reservation-saga/internal/broker"
	"github.com/imrishuroy/go-reservation-saga/internal/config"
	"github.com/imrishuroy/go-reservation-saga/internal/inventory"
	"github.com/imrishuroy/go-reservation-saga/internal/reservation"
)

func newWorker(t *testing.T) (*app.Container, *awstest.SQS) {
	t.Helper()
	t.Setenv("WEBHOOK_SUBSCRIBERS", `[{"id":"crm","url":"http://127.0.0.1:1/hooks","events":["orders.*"]}]`)
	cfg, err := config.Load()
	require.NoError(t, err)

	sqsFake := awstest.NewSQS()
	db := awstest.NewDynamoDB().
		CreateTable(cfg.OrdersTable, "order_id").
		CreateTable(cfg.IdempotencyTable, "idempotency_key").
		CreateTable(cfg.ProductsTable, "product_id").
		CreateTable(cfg.ReservationsTable, "idempotency_key").
		CreateTable(cfg.DedupTable, "dedup_key")
	c := app.New(cfg, &aws.AWSClients{DynamoDB: db, SQS: sqsFake, CloudWatch: &awstest.CloudWatch{}}, zap.NewNop())
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Shutdown(context.Background()) })
	return c, sqsFake
}

func record(id, queue, routingKey, body string) events.SQSMessage {
	return events.SQSMessage{
		MessageId:      id,
		Body:           body,
		EventSourceARN: awstest.QueueARN(queue),
		Attributes:     map[string]string{"ApproximateReceiveCount": "1"},
		MessageAttributes: map[string]events.SQSMessageAttribute{
			broker.AttrRoutingKey: {StringValue: &routingKey, DataType: "String"},
		},
	}
}

func TestProcessor_InventoryRole(t *testing.T) {
	c, sqsFake := newWorker(t)
	ctx := context.Background()
	require.NoError(t, c.Inventory.PutProduct(ctx, inventory.Product{ProductID: "P1", Stock: 5}))

	setup, err := setupRole(RoleInventory, c)
	require.NoError(t, err)
	p := NewProcessor(c.Broker, setup.handlers, zap.NewNop())

	ev := events.SQSEvent{Records: []events.SQSMessage{
		record("m-1", "products_queue", reservation.KeyReserveStock, `{"productId":"P1","quantity":3,"idempotencyKey":"key-1"}`),
		record("m-2", "products_queue", reservation.KeyReserveStock, `{"quantity":3}`),
	}}
	resp, err := p.Handle(ctx, ev)
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)

	// the outcome reaches the saga and the webhook publisher
	sent := sqsFake.Sent("orders_events_queue")
	require.Len(t, sent, 1)
	var out reservation.Outcome
	require.NoError(t, json.Unmarshal([]byte(sent[0].Body), &out))
	assert.True(t, out.Approved)
	assert.Len(t, sqsFake.Sent("webhook_publisher_queue"), 1)

	// the malformed request was dead-lettered
	assert.Len(t, sqsFake.Sent("products_queue-dlq"), 1)

	stock, err := c.Inventory.GetProduct(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 2, stock.Stock)
}

func TestProcessor_WebhooksRole(t *testing.T) {
	c, sqsFake := newWorker(t)
	setup, err := setupRole(RoleWebhooks, c)
	require.NoError(t, err)
	p := NewProcessor(c.Broker, setup.handlers, zap.NewNop())

	ev := events.SQSEvent{Records: []events.SQSMessage{
		record("m-1", "webhook_publisher_queue", "orders.confirmed", `{"orderId":"o-1","idempotencyKey":"key-1"}`),
	}}
	resp, err := p.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)

	jobs := sqsFake.Sent("webhook_delivery_queue")
	require.Len(t, jobs, 1)
	assert.Contains(t, jobs[0].Body, `"subscriberId":"crm"`)

	r := gin.New()
	setup.routes(r)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhooks/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"subscribers":[{"id":"crm","events":["orders.*"]}]`)
	assert.Contains(t, w.Body.String(), `"keys":0`)
}

func TestProcessor_UnknownQueueIsRetried(t *testing.T) {
	c, _ := newWorker(t)
	setup, err := setupRole(RoleInventory, c)
	require.NoError(t, err)
	p := NewProcessor(c.Broker, setup.handlers, zap.NewNop())

	ev := events.SQSEvent{Records: []events.SQSMessage{
		record("m-1", "orders_events_queue", reservation.KeyStockReserved, `{}`),
	}}
	resp, err := p.Handle(context.Background(), ev)
	require.NoError(t, err)
	require.Len(t, resp.BatchItemFailures, 1)
	assert.Equal(t, "m-1", resp.BatchItemFailures[0].ItemIdentifier)
}

func TestSetupRole_Unknown(t *testing.T) {
	c, _ := newWorker(t)
	_, err := setupRole(Role("billing"), c)
	assert.Error(t, err)
}

func TestProcessor_SagaRole(t *testing.T) {
	c, _ := newWorker(t)
	setup, err := setupRole(RoleSaga, c)
	require.NoError(t, err)
	require.Len(t, setup.tasks, 1)
	p := NewProcessor(c.Broker, setup.handlers, zap.NewNop())

	// an outcome nobody is waiting for is acknowledged
	ev := events.SQSEvent{Records: []events.SQSMessage{
		record("m-1", "orders_events_queue", reservation.KeyStockReserved, `{"approved":true,"productId":"P1","quantity":1,"idempotencyKey":"nobody"}`),
	}}
	resp, err := p.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
}
