package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-reservation-saga/internal/aws/awstest"
	"github.com/imrishuroy/go-reservation-saga/internal/broker"
	"github.com/imrishuroy/go-reservation-saga/internal/broker/brokertest"
	"github.com/imrishuroy/go-reservation-saga/internal/idempotency"
	"github.com/imrishuroy/go-reservation-saga/internal/metrics"
)

const deliveryQueue = "webhook_delivery_queue"

// newDedup returns the production fail-open dedup over an in-memory table.
func newDedup(t *testing.T) (*idempotency.FailOpen, *awstest.DynamoDB) {
	t.Helper()
	db := awstest.NewDynamoDB().CreateTable("webhook_dedup", "dedup_key")
	store := idempotency.NewDedupStore(db, "webhook_dedup", time.Hour)
	return idempotency.NewFailOpen(store, zap.NewNop(), metrics.Nop()), db
}

func event(key, body string) broker.Delivery {
	return broker.Delivery{MessageID: "msg-1", Queue: "webhook_publisher_queue", RoutingKey: key, Body: []byte(body), ReceiveCount: 1}
}

// jobDelivery turns the latest job on the delivery queue into a delivery.
func jobDelivery(t *testing.T, rec *brokertest.Recorder) broker.Delivery {
	t.Helper()
	jobs := rec.Enqueued(deliveryQueue)
	require.NotEmpty(t, jobs)
	return broker.Delivery{MessageID: "job", Queue: deliveryQueue, Body: jobs[len(jobs)-1].Body, ReceiveCount: 1}
}

func TestParseSubscribers(t *testing.T) {
	subs, err := ParseSubscribers(`[
		{"id":"crm","url":"https://crm.example.com/hooks","events":["orders.*"]},
		{"id":"audit","url":"http://audit.internal/events","events":["#"]}
	]`)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "crm", subs[0].ID)

	empty, err := ParseSubscribers("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	bad := []string{
		`not json`,
		`[{"id":"","url":"https://x.example.com","events":["#"]}]`,
		`[{"id":"a","url":"not a url","events":["#"]}]`,
		`[{"id":"a","url":"https://x.example.com","events":[]}]`,
		`[{"id":"a","url":"https://x.example.com","events":["#"]},{"id":"a","url":"https://y.example.com","events":["#"]}]`,
		`[{"id":"job.a","url":"https://x.example.com","events":["#"]}]`,
	}
	for _, raw := range bad {
		_, err := ParseSubscribers(raw)
		assert.Error(t, err, raw)
	}
}

func TestRegistry_Match(t *testing.T) {
	r := NewRegistry([]Subscriber{
		{ID: "crm", URL: "https://crm.example.com", Events: []string{"orders.confirmed", "orders.rejected"}},
		{ID: "all-orders", URL: "https://o.example.com", Events: []string{"orders.#"}},
		{ID: "stock", URL: "https://s.example.com", Events: []string{"product.*"}},
	})

	ids := func(subs []Subscriber) []string {
		var out []string
		for _, s := range subs {
			out = append(out, s.ID)
		}
		return out
	}
	assert.Equal(t, []string{"crm", "all-orders"}, ids(r.Match("orders.confirmed")))
	assert.Equal(t, []string{"all-orders"}, ids(r.Match("orders.created")))
	assert.Equal(t, []string{"stock"}, ids(r.Match("product.stockReserved")))
	assert.Empty(t, r.Match("payments.settled"))
	assert.Len(t, r.All(), 3)
}

func TestBackoff(t *testing.T) {
	base := 10 * time.Second
	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second, 160 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, Backoff(base, i+1))
	}
	assert.Equal(t, base, Backoff(base, 0))
}

func TestHistory_BoundedMostRecentFirst(t *testing.T) {
	h := NewHistory(2, 3)
	for _, id := range []string{"a", "b", "c"} {
		h.Complete(Job{ID: id})
	}
	for _, id := range []string{"x", "y", "z", "w"} {
		h.Fail(Job{ID: id})
	}

	completed := h.Completed()
	require.Len(t, completed, 2)
	assert.Equal(t, "c", completed[0].ID)
	assert.Equal(t, "b", completed[1].ID)

	failed := h.Failed()
	require.Len(t, failed, 3)
	assert.Equal(t, "w", failed[0].ID)

	assert.Equal(t, Counts{Completed: 2, Failed: 3, TotalCompleted: 3, TotalFailed: 4}, h.Counts())

	// callers get copies
	completed[0].ID = "mutated"
	assert.Equal(t, "c", h.Completed()[0].ID)
}
