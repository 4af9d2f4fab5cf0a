package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-reservation-saga/internal/aws"
	"github.com/imrishuroy/go-reservation-saga/internal/metrics"
)

const maxDelay = 15 * time.Minute

// Manager owns the SQS channel for one process role: it declares the
// topology, publishes to the exchange and runs consumers.
type Manager struct {
	client   aws.SQSAPI
	topology Topology
	log      *zap.Logger
	metrics  *metrics.Metrics
	alarms   *aws.MetricEmitter
	tracer   trace.Tracer

	handlerTimeout time.Duration
	waitTime       int32
	batchSize      int32
	pollBackoff    time.Duration

	mu        sync.RWMutex
	connected bool
	declared  bool
	urls      map[string]string
	dlqs      map[string]string
}

// Option configures a Manager.
type Option func(*Manager)

// WithHandlerTimeout bounds a single handler invocation.
func WithHandlerTimeout(d time.Duration) Option {
	return func(m *Manager) { m.handlerTimeout = d }
}

// WithLongPoll sets the ReceiveMessage wait time and batch size.
func WithLongPoll(wait time.Duration, batch int) Option {
	return func(m *Manager) {
		m.waitTime = int32(wait / time.Second)
		m.batchSize = int32(batch)
	}
}

// WithAlarms emits a CloudWatch metric whenever a message is dead-lettered.
func WithAlarms(e *aws.MetricEmitter) Option {
	return func(m *Manager) { m.alarms = e }
}

// New returns an unconnected Manager.
func New(client aws.SQSAPI, topology Topology, log *zap.Logger, m *metrics.Metrics, opts ...Option) *Manager {
	mgr := &Manager{
		client:         client,
		topology:       topology,
		log:            log.Named("broker"),
		metrics:        m,
		tracer:         otel.Tracer("github.com/imrishuroy/go-reservation-saga/internal/broker"),
		handlerTimeout: 30 * time.Second,
		waitTime:       20,
		batchSize:      10,
		pollBackoff:    time.Second,
		urls:           map[string]string{},
		dlqs:           map[string]string{},
	}
	for _, o := range opts {
		o(mgr)
	}
	return mgr
}

// Connect verifies that SQS is reachable. Callers treat a failure as fatal.
func (m *Manager) Connect(ctx context.Context) error {
	if err := m.topology.validate(); err != nil {
		return err
	}
	if _, err := m.client.ListQueues(ctx, &sqs.ListQueuesInput{MaxResults: sdkaws.Int32(1)}); err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	m.log.Info("connected", zap.String("exchange", m.topology.Exchange))
	return nil
}

// AssertTopology declares every queue. Declaring an existing queue with the
// same attributes succeeds.
func (m *Manager) AssertTopology(ctx context.Context) error {
	m.mu.RLock()
	connected := m.connected
	m.mu.RUnlock()
	if !connected {
		return ErrNotInitialized
	}

	urls := map[string]string{}
	dlqs := map[string]string{}
	for _, q := range m.topology.Queues {
		attrs := map[string]string{}
		if q.VisibilityTimeout > 0 {
			attrs[string(sqstypes.QueueAttributeNameVisibilityTimeout)] = strconv.Itoa(int(q.VisibilityTimeout / time.Second))
		}

		if q.MaxReceiveCount > 0 {
			dlqURL, err := m.declare(ctx, DeadLetterName(q.Name), nil, q.AutoDelete)
			if err != nil {
				return err
			}
			arn, err := m.queueARN(ctx, dlqURL)
			if err != nil {
				return err
			}
			policy, _ := json.Marshal(map[string]string{
				"deadLetterTargetArn": arn,
				"maxReceiveCount":     strconv.Itoa(q.MaxReceiveCount),
			})
			attrs[string(sqstypes.QueueAttributeNameRedrivePolicy)] = string(policy)
			dlqs[q.Name] = dlqURL
		}

		url, err := m.declare(ctx, q.Name, attrs, q.AutoDelete)
		if err != nil {
			return err
		}
		urls[q.Name] = url
	}

	m.mu.Lock()
	m.urls = urls
	m.dlqs = dlqs
	m.declared = true
	m.mu.Unlock()
	m.log.Info("topology asserted", zap.Int("queues", len(urls)), zap.Int("dead_letter_queues", len(dlqs)))
	return nil
}

func (m *Manager) declare(ctx context.Context, name string, attrs map[string]string, autoDelete bool) (string, error) {
	tags := map[string]string{"exchange": m.topology.Exchange}
	if autoDelete {
		tags["auto-delete"] = "true"
	}
	out, err := m.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  sdkaws.String(name),
		Attributes: attrs,
		Tags:       tags,
	})
	if err != nil {
		return "", fmt.Errorf("declare queue %s: %w", name, err)
	}
	return sdkaws.ToString(out.QueueUrl), nil
}

func (m *Manager) queueARN(ctx context.Context, url string) (string, error) {
	out, err := m.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       sdkaws.String(url),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return "", fmt.Errorf("queue attributes %s: %w", url, err)
	}
	arn := out.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]
	if arn == "" {
		return "", fmt.Errorf("queue %s has no ARN", url)
	}
	return arn, nil
}

// Publish sends payload to every queue bound to routingKey.
func (m *Manager) Publish(ctx context.Context, routingKey string, payload any) PublishResult {
	if !m.ready() {
		m.log.Error("cannot publish: channel not initialized", zap.String("routing_key", routingKey))
		m.countPublish(routingKey, "not_initialized")
		return unavailable(ErrNotInitialized, 0)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		m.countPublish(routingKey, "encode_error")
		return unavailable(fmt.Errorf("encode payload: %w", err), 0)
	}

	targets := m.topology.routes(routingKey)
	if len(targets) == 0 {
		m.log.Warn("unroutable message dropped", zap.String("routing_key", routingKey))
		m.countPublish(routingKey, "unroutable")
		return PublishResult{Status: Ok}
	}

	ctx, span := m.tracer.Start(ctx, "publish "+routingKey,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "aws_sqs"),
			attribute.String("messaging.destination.name", m.topology.Exchange),
			attribute.String("messaging.routing_key", routingKey),
		))
	defer span.End()

	routed := 0
	var errs error
	for _, queue := range targets {
		attrs := m.attributes(ctx, routingKey)
		if err := m.send(ctx, queue, body, attrs, 0); err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		routed++
	}
	if errs != nil {
		span.RecordError(errs)
		span.SetStatus(codes.Error, "publish failed")
		m.log.Error("publish failed",
			zap.String("routing_key", routingKey),
			zap.Int("routed", routed),
			zap.Int("targets", len(targets)),
			zap.Error(errs))
		m.countPublish(routingKey, "unavailable")
		return unavailable(errs, routed)
	}

	m.log.Debug("published", zap.String("routing_key", routingKey), zap.Int("routed", routed))
	m.countPublish(routingKey, "ok")
	return PublishResult{Status: Ok, Routed: routed}
}

// Enqueue sends payload to a single queue, bypassing the exchange. Delays
// above the SQS limit of 15 minutes are clamped.
func (m *Manager) Enqueue(ctx context.Context, queue string, payload any, delay time.Duration) PublishResult {
	if !m.ready() {
		m.log.Error("cannot enqueue: channel not initialized", zap.String("queue", queue))
		return unavailable(ErrNotInitialized, 0)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return unavailable(fmt.Errorf("encode payload: %w", err), 0)
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	if err := m.send(ctx, queue, body, m.attributes(ctx, ""), delay); err != nil {
		m.log.Error("enqueue failed", zap.String("queue", queue), zap.Error(err))
		return unavailable(err, 0)
	}
	return PublishResult{Status: Ok, Routed: 1}
}

func (m *Manager) attributes(ctx context.Context, routingKey string) map[string]sqstypes.MessageAttributeValue {
	attrs := messageCarrier{
		AttrExchange:     stringAttr(m.topology.Exchange),
		AttrContentType:  stringAttr(contentTypeJSON),
		AttrDeliveryMode: stringAttr(persistent),
	}
	if routingKey != "" {
		attrs[AttrRoutingKey] = stringAttr(routingKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, attrs)
	return attrs
}

func (m *Manager) send(ctx context.Context, queue string, body []byte, attrs map[string]sqstypes.MessageAttributeValue, delay time.Duration) error {
	url, err := m.queueURL(queue)
	if err != nil {
		return err
	}
	_, err = m.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          sdkaws.String(url),
		MessageBody:       sdkaws.String(string(body)),
		MessageAttributes: attrs,
		DelaySeconds:      int32(delay / time.Second),
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", queue, err)
	}
	return nil
}

func (m *Manager) queueURL(queue string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	url, ok := m.urls[queue]
	if !ok {
		return "", fmt.Errorf("queue %s is not declared", queue)
	}
	return url, nil
}

func (m *Manager) ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected && m.declared
}

func (m *Manager) countPublish(routingKey, result string) {
	if m.metrics != nil {
		m.metrics.Published.WithLabelValues(routingKey, result).Inc()
	}
}

// Close deletes auto-delete queues and releases the channel. Publishing after
// Close reports ErrNotInitialized.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	urls := m.urls
	dlqs := m.dlqs
	m.connected = false
	m.declared = false
	m.mu.Unlock()

	var errs error
	for _, q := range m.topology.Queues {
		if !q.AutoDelete {
			continue
		}
		for _, url := range []string{urls[q.Name], dlqs[q.Name]} {
			if url == "" {
				continue
			}
			if _, err := m.client.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: sdkaws.String(url)}); err != nil {
				errs = errors.Join(errs, fmt.Errorf("delete queue %s: %w", url, err))
			}
		}
	}
	m.log.Info("closed")
	return errs
}
