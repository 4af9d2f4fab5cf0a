package broker

import (
	"context"
	"errors"
	"time"
)

// ErrNotInitialized is reported when publishing before Connect and AssertTopology.
var ErrNotInitialized = errors.New("broker channel not initialized")

// Status is the explicit availability of a broker operation.
type Status int

const (
	Ok Status = iota
	Unavailable
)

func (s Status) String() string {
	if s == Ok {
		return "ok"
	}
	return "unavailable"
}

// PublishResult reports whether the broker accepted a message.
// Routed counts the queues that received a copy.
type PublishResult struct {
	Status Status
	Routed int
	Err    error
}

func (r PublishResult) Ok() bool { return r.Status == Ok }

func unavailable(err error, routed int) PublishResult {
	return PublishResult{Status: Unavailable, Routed: routed, Err: err}
}

// Decision is what a handler tells the broker to do with a delivery.
type Decision int

const (
	// Ack removes the message; processing succeeded or the message was a duplicate.
	Ack Decision = iota
	// Requeue makes the message visible again for another attempt.
	Requeue
	// DeadLetter moves the message to the queue's dead-letter queue.
	DeadLetter
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Delivery is one message handed to a Handler.
type Delivery struct {
	MessageID    string
	Queue        string
	RoutingKey   string
	Body         []byte
	ReceiveCount int
	Attributes   map[string]string
}

// Handler processes a delivery and decides its fate.
type Handler func(ctx context.Context, d Delivery) Decision

// Publisher publishes payloads to the exchange.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) PublishResult
}

// Enqueuer sends payloads straight to a named queue, optionally delayed.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload any, delay time.Duration) PublishResult
}

// Message attribute names carried on every message.
const (
	AttrRoutingKey   = "routing_key"
	AttrExchange     = "exchange"
	AttrContentType  = "content_type"
	AttrDeliveryMode = "delivery_mode"
	AttrDeadLetter   = "dead_letter_reason"

	contentTypeJSON = "application/json"
	persistent      = "persistent"
)
