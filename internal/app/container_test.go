package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-reservation-saga/internal/aws"
	"github.com/imrishuroy/go-reservation-saga/internal/aws/awstest"
	"github.com/imrishuroy/go-reservation-saga/internal/config"
	"github.com/imrishuroy/go-reservation-saga/internal/saga"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("WEBHOOK_SUBSCRIBERS", `[{"id":"crm","url":"https://crm.example.com/hooks","events":["orders.*"]}]`)
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func newContainer(t *testing.T) (*Container, *awstest.SQS) {
	t.Helper()
	cfg := testConfig(t)
	sqsFake := awstest.NewSQS()
	db := awstest.NewDynamoDB().
		CreateTable(cfg.OrdersTable, "order_id").
		CreateTable(cfg.IdempotencyTable, "idempotency_key").
		CreateTable(cfg.ProductsTable, "product_id").
		CreateTable(cfg.ReservationsTable, "idempotency_key").
		CreateTable(cfg.DedupTable, "dedup_key")
	clients := &aws.AWSClients{DynamoDB: db, SQS: sqsFake, CloudWatch: &awstest.CloudWatch{}}
	return New(cfg, clients, zap.NewNop()), sqsFake
}

func TestTopology_DefaultRoutes(t *testing.T) {
	topo := Topology(testConfig(t))

	assert.Equal(t, "microservices.events", topo.Exchange)
	names := map[string][]string{}
	for _, q := range topo.Queues {
		names[q.Name] = q.Bindings
		assert.Equal(t, 5, q.MaxReceiveCount, q.Name)
		assert.False(t, q.AutoDelete, q.Name)
	}
	assert.Equal(t, []string{"product.reserveStock", "product.releaseStock"}, names["products_queue"])
	assert.Equal(t, []string{"product.stockReserved"}, names["orders_events_queue"])
	assert.Equal(t, []string{"product.stockReserved", "orders.#"}, names["webhook_publisher_queue"])
	assert.Contains(t, names, "webhook_delivery_queue")
	assert.Empty(t, names["webhook_delivery_queue"])
}

func TestContainer_StartDeclaresTopology(t *testing.T) {
	c, sqsFake := newContainer(t)
	require.NoError(t, c.Start(context.Background()))

	for _, q := range []string{"products_queue", "orders_events_queue", "webhook_publisher_queue", "webhook_delivery_queue"} {
		assert.True(t, sqsFake.HasQueue(q), q)
		assert.True(t, sqsFake.HasQueue(q+"-dlq"), q)
	}
	require.NoError(t, c.Shutdown(context.Background()))
}

func TestContainer_StartFailsWithoutBroker(t *testing.T) {
	c, sqsFake := newContainer(t)
	sqsFake.Err = errors.New("connection refused")

	assert.ErrorContains(t, c.Start(context.Background()), "connect broker")
}

func TestContainer_OrderReachesProductsQueue(t *testing.T) {
	c, sqsFake := newContainer(t)
	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	_, created, err := c.Saga.CreateOrder(ctx, saga.CreateOrder{ProductID: "P1", Quantity: 1, IdempotencyKey: "key-1"})
	require.NoError(t, err)
	assert.True(t, created)

	assert.Len(t, sqsFake.Sent("products_queue"), 1)
	// orders.created only reaches the webhook publisher
	assert.Len(t, sqsFake.Sent("webhook_publisher_queue"), 1)
	assert.Empty(t, sqsFake.Sent("orders_events_queue"))
}

func TestContainer_ShutdownRunsLastFirst(t *testing.T) {
	c, _ := newContainer(t)
	var order []string
	step := func(name string, err error) func(context.Context) error {
		return func(context.Context) error {
			order = append(order, name)
			return err
		}
	}
	c.OnShutdown("first", step("first", nil))
	c.OnShutdown("second", step("second", errors.New("boom")))
	c.OnShutdown("third", step("third", nil))

	err := c.Shutdown(context.Background())
	assert.ErrorContains(t, err, "second: boom")
	assert.Equal(t, []string{"third", "second", "first"}, order)

	// closers run once
	require.NoError(t, c.Shutdown(context.Background()))
	assert.Len(t, order, 3)
}

func TestContainer_Webhooks(t *testing.T) {
	c, _ := newContainer(t)
	fanout, queue, err := c.Webhooks()
	require.NoError(t, err)
	assert.NotNil(t, fanout)
	assert.NotNil(t, queue.History())

	c.Config.WebhookSubscribers = `[{"id":"x"}]`
	_, _, err = c.Webhooks()
	assert.Error(t, err)
}
