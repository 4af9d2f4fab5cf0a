package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-reservation-saga/internal/aws"
	"github.com/imrishuroy/go-reservation-saga/internal/broker"
	"github.com/imrishuroy/go-reservation-saga/internal/idempotency"
	"github.com/imrishuroy/go-reservation-saga/internal/logging"
	"github.com/imrishuroy/go-reservation-saga/internal/metrics"
)

// Delivery request headers.
const (
	HeaderEvent          = "X-Webhook-Event"
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderSubscriber     = "X-Webhook-Subscriber"
	HeaderAttempt        = "X-Webhook-Attempt"
)

// QueueConfig tunes delivery.
type QueueConfig struct {
	// Queue is where retries are re-enqueued.
	Queue   string
	Timeout time.Duration
	Backoff time.Duration
}

// QueueOption customizes a Queue.
type QueueOption func(*Queue)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(c *http.Client) QueueOption {
	return func(q *Queue) { q.client = c }
}

// WithJobAlarms emits a CloudWatch metric for every job that exhausts its attempts.
func WithJobAlarms(e *aws.MetricEmitter) QueueOption {
	return func(q *Queue) { q.alarms = e }
}

// Queue performs one delivery attempt per job message.
type Queue struct {
	dedup   Dedup
	enq     broker.Enqueuer
	history *History
	client  *http.Client
	alarms  *aws.MetricEmitter
	cfg     QueueConfig
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewQueue returns a Queue. Requests time out after cfg.Timeout.
func NewQueue(dedup Dedup, enq broker.Enqueuer, history *History, log *zap.Logger, m *metrics.Metrics, cfg QueueConfig, opts ...QueueOption) *Queue {
	q := &Queue{
		dedup:   dedup,
		enq:     enq,
		history: history,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   cfg.Timeout,
		},
		cfg:     cfg,
		log:     log.Named("webhook.queue"),
		metrics: m,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// History exposes the finished jobs.
func (q *Queue) History() *History { return q.history }

// HandleJob runs one attempt. A failed attempt with attempts left is
// re-enqueued with a doubled delay; the current message is acked either way.
func (q *Queue) HandleJob(ctx context.Context, d broker.Delivery) broker.Decision {
	log := logging.FromContext(ctx, q.log)

	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil || job.URL == "" || job.SubscriberID == "" {
		log.Warn("malformed webhook job", zap.Error(err))
		return broker.DeadLetter
	}
	if job.MaxAttempts < 1 {
		job.MaxAttempts = 1
	}
	log = log.With(
		zap.String("job_id", job.ID),
		zap.String("subscriber_id", job.SubscriberID),
		zap.String("event", job.EventName),
		zap.Int("attempt", job.Attempt))

	if q.dedup.IsProcessed(ctx, job.EventName, job.IdempotencyKey, job.SubscriberID) {
		q.finish(&job, StateCompleted)
		q.history.Complete(job)
		q.count(job, "skipped")
		log.Info("already delivered, skipping")
		return broker.Ack
	}

	err := q.deliver(ctx, job)
	if err == nil {
		q.dedup.MarkAsProcessed(ctx, job.EventName, job.IdempotencyKey, job.SubscriberID)
		q.finish(&job, StateCompleted)
		q.history.Complete(job)
		q.count(job, "delivered")
		log.Info("webhook delivered")
		return broker.Ack
	}
	job.LastError = err.Error()

	// a copy of this message received by another consumer may have failed the
	// same attempt; only one of them moves the job on
	settled := idempotency.Marker("attempt"+strconv.Itoa(job.Attempt), job.SubscriberID)
	if !q.dedup.TryProcess(ctx, job.EventName, job.IdempotencyKey, settled) {
		log.Info("attempt already settled by another consumer", zap.Error(err))
		return broker.Ack
	}

	if job.Attempt < job.MaxAttempts {
		delay := Backoff(q.cfg.Backoff, job.Attempt)
		job.Delays = append(job.Delays, delay)
		job.Attempt++
		job.State = StateDelayed
		if res := q.enq.Enqueue(ctx, q.cfg.Queue, job, delay); !res.Ok() {
			q.dedup.Remove(ctx, job.EventName, job.IdempotencyKey, settled)
			log.Error("re-enqueue failed", zap.Error(res.Err))
			return broker.Requeue
		}
		q.count(job, "retry")
		log.Warn("webhook attempt failed, retry scheduled", zap.Duration("delay", delay), zap.Error(err))
		return broker.Ack
	}

	q.finish(&job, StateFailed)
	q.history.Fail(job)
	q.count(job, "failed")
	log.Error("webhook failed permanently", zap.Error(err))
	if aerr := q.alarms.Count(ctx, aws.MetricWebhookJobsFailed, map[string]string{"Subscriber": job.SubscriberID}); aerr != nil {
		log.Warn("emit alarm metric failed", zap.Error(aerr))
	}
	return broker.Ack
}

func (q *Queue) deliver(ctx context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, bytes.NewReader(job.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, job.EventName)
	req.Header.Set(HeaderIdempotencyKey, job.IdempotencyKey)
	req.Header.Set(HeaderSubscriber, job.SubscriberID)
	req.Header.Set(HeaderAttempt, strconv.Itoa(job.Attempt))

	start := q.now()
	resp, err := q.client.Do(req)
	if q.metrics != nil {
		q.metrics.WebhookDuration.WithLabelValues(job.SubscriberID).Observe(q.now().Sub(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("subscriber responded %d", resp.StatusCode)
	}
	return nil
}

func (q *Queue) finish(job *Job, state State) {
	job.State = state
	job.FinishedAt = q.now().UTC()
}

func (q *Queue) count(job Job, outcome string) {
	if q.metrics != nil {
		q.metrics.WebhookDeliveries.WithLabelValues(job.SubscriberID, outcome).Inc()
	}
}
