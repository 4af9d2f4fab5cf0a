package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-reservation-saga/internal/aws"
	"github.com/imrishuroy/go-reservation-saga/internal/aws/awstest"
	"github.com/imrishuroy/go-reservation-saga/internal/broker"
	"github.com/imrishuroy/go-reservation-saga/internal/broker/brokertest"
	"github.com/imrishuroy/go-reservation-saga/internal/idempotency"
	"github.com/imrishuroy/go-reservation-saga/internal/metrics"
)

// subscriber is an endpoint that fails the first failures requests.
type subscriber struct {
	mu       sync.Mutex
	failures int
	hits     int
	ok       int
	headers  []http.Header
	bodies   []string
}

func (s *subscriber) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, _ := io.ReadAll(r.Body)
	s.hits++
	s.headers = append(s.headers, r.Header.Clone())
	s.bodies = append(s.bodies, string(buf))
	if s.hits <= s.failures {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	s.ok++
	w.WriteHeader(http.StatusNoContent)
}

type observed struct {
	hits    int
	ok      int
	headers []http.Header
	bodies  []string
}

func (s *subscriber) seen() observed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return observed{hits: s.hits, ok: s.ok, headers: s.headers, bodies: s.bodies}
}

type queueFixture struct {
	queue   *Queue
	fanout  *Fanout
	rec     *brokertest.Recorder
	db      *awstest.DynamoDB
	cw      *awstest.CloudWatch
	metrics *metrics.Metrics
}

func newQueueFixture(t *testing.T, url string, timeout time.Duration) *queueFixture {
	t.Helper()
	dedup, db := newDedup(t)
	f := &queueFixture{
		rec:     &brokertest.Recorder{},
		db:      db,
		cw:      &awstest.CloudWatch{},
		metrics: metrics.Nop(),
	}
	reg := NewRegistry([]Subscriber{{ID: "crm", URL: url, Events: []string{"orders.*"}}})
	f.fanout = NewFanout(reg, dedup, f.rec, deliveryQueue, 5, zap.NewNop())
	f.queue = NewQueue(dedup, f.rec, NewHistory(100, 500), zap.NewNop(), f.metrics,
		QueueConfig{Queue: deliveryQueue, Timeout: timeout, Backoff: 10 * time.Second},
		WithJobAlarms(aws.NewMetricEmitter(f.cw, "ReservationSaga")))
	return f
}

// run fans the event out and processes job messages until none is left.
func (f *queueFixture) run(t *testing.T, body string) {
	t.Helper()
	ctx := context.Background()
	require.Equal(t, broker.Ack, f.fanout.Handle(ctx, event("orders.confirmed", body)))
	for handled := 0; ; handled++ {
		require.Less(t, handled, 10, "too many attempts")
		jobs := f.rec.Enqueued(deliveryQueue)
		if len(jobs) == handled {
			return
		}
		d := broker.Delivery{Queue: deliveryQueue, Body: jobs[handled].Body, ReceiveCount: 1}
		require.Equal(t, broker.Ack, f.queue.HandleJob(ctx, d))
	}
}

func TestHandleJob_RetriesWithBackoffThenSucceeds(t *testing.T) {
	sub := &subscriber{failures: 4}
	srv := httptest.NewServer(sub)
	defer srv.Close()
	f := newQueueFixture(t, srv.URL, time.Second)

	f.run(t, `{"orderId":"o-1","idempotencyKey":"key-1"}`)

	assert.Equal(t, 5, sub.seen().hits)
	assert.Equal(t, 1, sub.seen().ok)

	var delays []time.Duration
	for _, m := range f.rec.Enqueued(deliveryQueue)[1:] {
		delays = append(delays, m.Delay)
	}
	want := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second}
	assert.Equal(t, want, delays)

	completed := f.queue.History().Completed()
	require.Len(t, completed, 1)
	assert.Equal(t, want, completed[0].Delays)
	assert.Equal(t, 5, completed[0].Attempt)
	assert.Equal(t, StateCompleted, completed[0].State)
	assert.False(t, completed[0].FinishedAt.IsZero())
	assert.Empty(t, f.queue.History().Failed())

	for i, h := range sub.seen().headers {
		assert.Equal(t, "application/json", h.Get("Content-Type"))
		assert.Equal(t, "orders.confirmed", h.Get(HeaderEvent))
		assert.Equal(t, "key-1", h.Get(HeaderIdempotencyKey))
		assert.Equal(t, "crm", h.Get(HeaderSubscriber))
		assert.Equal(t, string(rune('1'+i)), h.Get(HeaderAttempt))
	}
	assert.JSONEq(t, `{"orderId":"o-1","idempotencyKey":"key-1"}`, sub.seen().bodies[4])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WebhookDeliveries.WithLabelValues("crm", "delivered")))
	assert.Equal(t, 4.0, testutil.ToFloat64(f.metrics.WebhookDeliveries.WithLabelValues("crm", "retry")))
}

func TestHandleJob_ExhaustedAttemptsAreFailed(t *testing.T) {
	sub := &subscriber{failures: 100}
	srv := httptest.NewServer(sub)
	defer srv.Close()
	f := newQueueFixture(t, srv.URL, time.Second)

	f.run(t, `{"idempotencyKey":"key-1"}`)

	assert.Equal(t, 5, sub.seen().hits)
	failed := f.queue.History().Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, StateFailed, failed[0].State)
	assert.Contains(t, failed[0].LastError, "503")
	assert.Empty(t, f.queue.History().Completed())
	assert.Equal(t, []string{aws.MetricWebhookJobsFailed}, f.cw.Metrics())
}

func TestHandleJob_RedeliveredJobIsNotSentTwice(t *testing.T) {
	sub := &subscriber{}
	srv := httptest.NewServer(sub)
	defer srv.Close()
	f := newQueueFixture(t, srv.URL, time.Second)
	ctx := context.Background()

	require.Equal(t, broker.Ack, f.fanout.Handle(ctx, event("orders.confirmed", `{"idempotencyKey":"key-1"}`)))
	d := jobDelivery(t, f.rec)

	require.Equal(t, broker.Ack, f.queue.HandleJob(ctx, d))
	require.Equal(t, broker.Ack, f.queue.HandleJob(ctx, d))

	assert.Equal(t, 1, sub.seen().hits)
	assert.Equal(t, 2, f.queue.History().Counts().Completed)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WebhookDeliveries.WithLabelValues("crm", "skipped")))
}

func TestHandleJob_CopiesOfFailedAttemptStartOneRetryChain(t *testing.T) {
	sub := &subscriber{failures: 100}
	srv := httptest.NewServer(sub)
	defer srv.Close()
	f := newQueueFixture(t, srv.URL, time.Second)
	ctx := context.Background()

	require.Equal(t, broker.Ack, f.fanout.Handle(ctx, event("orders.confirmed", `{"idempotencyKey":"key-1"}`)))
	d := jobDelivery(t, f.rec)

	// the same message is received twice while the first copy is in flight
	require.Equal(t, broker.Ack, f.queue.HandleJob(ctx, d))
	require.Equal(t, broker.Ack, f.queue.HandleJob(ctx, d))

	assert.Equal(t, 2, sub.seen().hits)
	jobs := f.rec.Enqueued(deliveryQueue)
	require.Len(t, jobs, 2)
	var retry Job
	require.NoError(t, jobs[1].Decode(&retry))
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WebhookDeliveries.WithLabelValues("crm", "retry")))
}

func TestHandleJob_CopiesOfLastAttemptFailOnce(t *testing.T) {
	sub := &subscriber{failures: 100}
	srv := httptest.NewServer(sub)
	defer srv.Close()
	f := newQueueFixture(t, srv.URL, time.Second)
	ctx := context.Background()

	require.Equal(t, broker.Ack, f.fanout.Handle(ctx, event("orders.confirmed", `{"idempotencyKey":"key-1"}`)))
	var job Job
	require.NoError(t, f.rec.Enqueued(deliveryQueue)[0].Decode(&job))
	job.Attempt = job.MaxAttempts
	body, err := json.Marshal(job)
	require.NoError(t, err)
	d := broker.Delivery{Queue: deliveryQueue, Body: body, ReceiveCount: 1}

	require.Equal(t, broker.Ack, f.queue.HandleJob(ctx, d))
	require.Equal(t, broker.Ack, f.queue.HandleJob(ctx, d))

	assert.Len(t, f.queue.History().Failed(), 1)
	assert.Len(t, f.rec.Enqueued(deliveryQueue), 1)
	assert.Equal(t, []string{aws.MetricWebhookJobsFailed}, f.cw.Metrics())
}

func TestHandleJob_TimeoutCountsAsFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)
	f := newQueueFixture(t, srv.URL, 50*time.Millisecond)
	ctx := context.Background()

	require.Equal(t, broker.Ack, f.fanout.Handle(ctx, event("orders.confirmed", `{"idempotencyKey":"key-1"}`)))
	require.Equal(t, broker.Ack, f.queue.HandleJob(ctx, jobDelivery(t, f.rec)))

	jobs := f.rec.Enqueued(deliveryQueue)
	require.Len(t, jobs, 2)
	var retry Job
	require.NoError(t, jobs[1].Decode(&retry))
	assert.Equal(t, 2, retry.Attempt)
	assert.Equal(t, StateDelayed, retry.State)
	assert.NotEmpty(t, retry.LastError)
}

func TestHandleJob_DedupStoreDownFailsOpen(t *testing.T) {
	sub := &subscriber{}
	srv := httptest.NewServer(sub)
	defer srv.Close()
	f := newQueueFixture(t, srv.URL, time.Second)
	ctx := context.Background()

	require.Equal(t, broker.Ack, f.fanout.Handle(ctx, event("orders.confirmed", `{"idempotencyKey":"key-1"}`)))
	f.db.Err = assert.AnError

	assert.Equal(t, broker.Ack, f.queue.HandleJob(ctx, jobDelivery(t, f.rec)))
	assert.Equal(t, 1, sub.seen().hits)
}

func TestHandleJob_Decisions(t *testing.T) {
	ctx := context.Background()

	t.Run("malformed", func(t *testing.T) {
		f := newQueueFixture(t, "http://127.0.0.1:1", time.Second)
		assert.Equal(t, broker.DeadLetter, f.queue.HandleJob(ctx, broker.Delivery{Body: []byte(`nope`)}))
		assert.Equal(t, broker.DeadLetter, f.queue.HandleJob(ctx, broker.Delivery{Body: []byte(`{"id":"j"}`)}))
	})

	t.Run("re-enqueue failure requeues", func(t *testing.T) {
		sub := &subscriber{failures: 1}
		srv := httptest.NewServer(sub)
		defer srv.Close()
		f := newQueueFixture(t, srv.URL, time.Second)

		require.Equal(t, broker.Ack, f.fanout.Handle(ctx, event("orders.confirmed", `{"idempotencyKey":"key-1"}`)))
		d := jobDelivery(t, f.rec)
		f.rec.SetFail(true)
		assert.Equal(t, broker.Requeue, f.queue.HandleJob(ctx, d))

		f.rec.SetFail(false)
		assert.Equal(t, broker.Ack, f.queue.HandleJob(ctx, d))
		assert.Equal(t, 2, sub.seen().hits)
		assert.Equal(t, 1, sub.seen().ok)
	})
}

var _ Dedup = (*idempotency.FailOpen)(nil)
