package main

import (
	"context"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-reservation-saga/internal/broker"
)

// Dispatcher runs a handler over a Lambda SQS batch. *broker.Manager implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev events.SQSEvent, handler broker.Handler) events.SQSEventResponse
}

// Processor handles SQS batches delivered by Lambda and routes each record
// to the handler of the queue it came from.
type Processor struct {
	dispatcher Dispatcher
	handlers   map[string]broker.Handler
	log        *zap.Logger
}

// NewProcessor creates a new worker processor.
func NewProcessor(d Dispatcher, handlers map[string]broker.Handler, log *zap.Logger) *Processor {
	return &Processor{dispatcher: d, handlers: handlers, log: log.Named("processor")}
}

// Handle receives an SQS batch event and processes each message. Only the
// records that must be retried are reported back, so Lambda does not
// redeliver the whole batch.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	byQueue := map[string][]events.SQSMessage{}
	var order []string
	for _, rec := range ev.Records {
		q := broker.QueueFromARN(rec.EventSourceARN)
		if _, ok := byQueue[q]; !ok {
			order = append(order, q)
		}
		byQueue[q] = append(byQueue[q], rec)
	}

	var resp events.SQSEventResponse
	for _, q := range order {
		recs := byQueue[q]
		h, ok := p.handlers[q]
		if !ok {
			// misconfigured event source mapping; leave the records to the redrive policy
			p.log.Error("no handler for queue", zap.String("queue", q), zap.Int("records", len(recs)))
			for _, rec := range recs {
				resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
			}
			continue
		}
		out := p.dispatcher.Dispatch(ctx, events.SQSEvent{Records: recs}, h)
		resp.BatchItemFailures = append(resp.BatchItemFailures, out.BatchItemFailures...)
	}
	return resp, nil
}
