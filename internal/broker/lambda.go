package broker

import (
	"context"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"
)

// QueueFromARN returns the queue name at the end of an SQS event source ARN.
func QueueFromARN(arn string) string {
	return arn[strings.LastIndex(arn, ":")+1:]
}

// Dispatch runs handler over a Lambda SQS batch. Requeued records are
// reported as batch item failures so Lambda retries only those; dead-lettered
// records are forwarded to the DLQ and reported as processed.
func (m *Manager) Dispatch(ctx context.Context, ev events.SQSEvent, handler Handler) events.SQSEventResponse {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		d := lambdaDelivery(rec)
		decision := m.handle(ctx, d, handler)
		if m.metrics != nil {
			m.metrics.Decisions.WithLabelValues(d.Queue, decision.String()).Inc()
		}

		switch decision {
		case Requeue:
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		case DeadLetter:
			if err := m.forward(context.WithoutCancel(ctx), d); err != nil {
				m.log.Error("dead-letter forward failed",
					zap.String("queue", d.Queue),
					zap.String("message_id", d.MessageID),
					zap.Error(err))
				resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
			}
		}
	}
	return resp
}

func lambdaDelivery(rec events.SQSMessage) Delivery {
	attrs := make(map[string]string, len(rec.MessageAttributes))
	for k, v := range rec.MessageAttributes {
		if v.StringValue != nil {
			attrs[k] = *v.StringValue
		}
	}
	count, _ := strconv.Atoi(rec.Attributes["ApproximateReceiveCount"])
	return Delivery{
		MessageID:    rec.MessageId,
		Queue:        QueueFromARN(rec.EventSourceARN),
		RoutingKey:   attrs[AttrRoutingKey],
		Body:         []byte(rec.Body),
		ReceiveCount: count,
		Attributes:   attrs,
	}
}
