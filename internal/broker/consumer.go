package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-reservation-saga/internal/aws"
	"github.com/imrishuroy/go-reservation-saga/internal/logging"
)

// Consume polls queue until ctx is cancelled, handing each message to
// handler and settling it according to the returned Decision.
func (m *Manager) Consume(ctx context.Context, queue string, handler Handler) error {
	if !m.ready() {
		return ErrNotInitialized
	}
	url, err := m.queueURL(queue)
	if err != nil {
		return err
	}
	batch := m.batchSize
	if spec, ok := m.topology.queue(queue); ok && spec.BatchSize > 0 {
		batch = int32(spec.BatchSize)
	}
	log := m.log.With(zap.String("queue", queue))
	log.Info("consumer started", zap.Int32("batch_size", batch))

	for {
		if ctx.Err() != nil {
			log.Info("consumer stopped")
			return nil
		}

		out, err := m.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:                    sdkaws.String(url),
			MaxNumberOfMessages:         batch,
			WaitTimeSeconds:             m.waitTime,
			MessageAttributeNames:       []string{"All"},
			MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{sqstypes.MessageSystemAttributeNameApproximateReceiveCount},
		})
		if err != nil {
			if ctx.Err() != nil {
				log.Info("consumer stopped")
				return nil
			}
			log.Warn("receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(m.pollBackoff):
			}
			continue
		}

		for _, msg := range out.Messages {
			d := toDelivery(queue, msg)
			decision := m.handle(ctx, d, handler)
			m.settle(ctx, url, msg, d, decision)
		}
	}
}

// handle runs handler with a bounded context. A panic is treated as Requeue
// so the message is retried until the dead-letter limit.
func (m *Manager) handle(ctx context.Context, d Delivery, handler Handler) (decision Decision) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, mapCarrier(d.Attributes))
	ctx, span := m.tracer.Start(ctx, "consume "+d.Queue,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "aws_sqs"),
			attribute.String("messaging.source.name", d.Queue),
			attribute.String("messaging.message.id", d.MessageID),
			attribute.String("messaging.routing_key", d.RoutingKey),
		))
	defer span.End()

	log := m.log.With(
		zap.String("queue", d.Queue),
		zap.String("message_id", d.MessageID),
		zap.String("routing_key", d.RoutingKey),
	)
	ctx = logging.WithContext(ctx, log)

	if spec, ok := m.topology.queue(d.Queue); ok && spec.MaxReceiveCount > 0 && d.ReceiveCount > spec.MaxReceiveCount {
		log.Warn("receive limit exceeded", zap.Int("receive_count", d.ReceiveCount))
		return DeadLetter
	}

	ctx, cancel := context.WithTimeout(ctx, m.handlerTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", zap.Any("panic", r))
			decision = Requeue
		}
		span.SetAttributes(attribute.String("messaging.decision", decision.String()))
	}()
	return handler(ctx, d)
}

func (m *Manager) settle(ctx context.Context, url string, msg sqstypes.Message, d Delivery, decision Decision) {
	ctx = context.WithoutCancel(ctx)
	log := m.log.With(zap.String("queue", d.Queue), zap.String("message_id", d.MessageID))
	if m.metrics != nil {
		m.metrics.Decisions.WithLabelValues(d.Queue, decision.String()).Inc()
	}

	var err error
	switch decision {
	case Ack:
		err = m.delete(ctx, url, msg)
	case Requeue:
		_, err = m.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          sdkaws.String(url),
			ReceiptHandle:     msg.ReceiptHandle,
			VisibilityTimeout: 0,
		})
	case DeadLetter:
		err = m.deadLetter(ctx, url, msg, d)
	}
	if err != nil {
		log.Error("settle failed", zap.Stringer("decision", decision), zap.Error(err))
	}
}

func (m *Manager) delete(ctx context.Context, url string, msg sqstypes.Message) error {
	_, err := m.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      sdkaws.String(url),
		ReceiptHandle: msg.ReceiptHandle,
	})
	return err
}

// deadLetter copies the message to the queue's DLQ and removes the original.
func (m *Manager) deadLetter(ctx context.Context, url string, msg sqstypes.Message, d Delivery) error {
	if err := m.forward(ctx, d); err != nil {
		return err
	}
	return m.delete(ctx, url, msg)
}

// forward sends d to its queue's DLQ and raises the dead-letter alarm.
// Queues without a DLQ drop the message after logging it.
func (m *Manager) forward(ctx context.Context, d Delivery) error {
	m.mu.RLock()
	dlq, ok := m.dlqs[d.Queue]
	m.mu.RUnlock()

	if ok {
		attrs := messageCarrier{}
		for k, v := range d.Attributes {
			attrs[k] = stringAttr(v)
		}
		attrs[AttrDeadLetter] = stringAttr("rejected after " + strconv.Itoa(d.ReceiveCount) + " receives")
		if _, err := m.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:          sdkaws.String(dlq),
			MessageBody:       sdkaws.String(string(d.Body)),
			MessageAttributes: attrs,
		}); err != nil {
			return fmt.Errorf("dead-letter %s: %w", d.MessageID, err)
		}
	} else {
		m.log.Warn("no dead-letter queue, dropping message",
			zap.String("queue", d.Queue),
			zap.String("message_id", d.MessageID))
	}

	if err := m.alarms.Count(ctx, aws.MetricDeadLettered, map[string]string{"Queue": d.Queue}); err != nil {
		m.log.Warn("dead-letter alarm not emitted", zap.Error(err))
	}
	return nil
}

func toDelivery(queue string, msg sqstypes.Message) Delivery {
	attrs := make(map[string]string, len(msg.MessageAttributes))
	for k, v := range msg.MessageAttributes {
		attrs[k] = sdkaws.ToString(v.StringValue)
	}
	count, _ := strconv.Atoi(msg.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])
	return Delivery{
		MessageID:    sdkaws.ToString(msg.MessageId),
		Queue:        queue,
		RoutingKey:   attrs[AttrRoutingKey],
		Body:         []byte(sdkaws.ToString(msg.Body)),
		ReceiveCount: count,
		Attributes:   attrs,
	}
}

// ErrConsumerStopped is returned by RunConsumers when a consumer exits with an error.
var ErrConsumerStopped = errors.New("consumer stopped")

// RunConsumers starts one Consume loop per queue and blocks until ctx is
// cancelled or one of them fails.
func (m *Manager) RunConsumers(ctx context.Context, handlers map[string]Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, len(handlers))
	for queue, h := range handlers {
		go func(queue string, h Handler) {
			if err := m.Consume(ctx, queue, h); err != nil {
				errs <- fmt.Errorf("%w: %s: %w", ErrConsumerStopped, queue, err)
				return
			}
			errs <- nil
		}(queue, h)
	}

	var first error
	for range handlers {
		if err := <-errs; err != nil && first == nil {
			first = err
			cancel()
		}
	}
	return first
}
