// Package brokertest provides a recording Publisher and Enqueuer for tests
// of message handlers.
package brokertest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/imrishuroy/go-reservation-saga/internal/broker"
)

// ErrDown is reported while the recorder is failing.
var ErrDown = errors.New("broker down")

// Message is one recorded publish or enqueue.
type Message struct {
	RoutingKey string
	Queue      string
	Body       []byte
	Delay      time.Duration
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error { return json.Unmarshal(m.Body, v) }

// Recorder records messages instead of sending them. While Fail is set every
// call reports Unavailable.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	fail     bool
}

// SetFail toggles failure mode.
func (r *Recorder) SetFail(fail bool) {
	r.mu.Lock()
	r.fail = fail
	r.mu.Unlock()
}

func (r *Recorder) Publish(ctx context.Context, routingKey string, payload any) broker.PublishResult {
	return r.record(Message{RoutingKey: routingKey}, payload)
}

func (r *Recorder) Enqueue(ctx context.Context, queue string, payload any, delay time.Duration) broker.PublishResult {
	return r.record(Message{Queue: queue, Delay: delay}, payload)
}

func (r *Recorder) record(m Message, payload any) broker.PublishResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return broker.PublishResult{Status: broker.Unavailable, Err: ErrDown}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return broker.PublishResult{Status: broker.Unavailable, Err: err}
	}
	m.Body = body
	r.messages = append(r.messages, m)
	return broker.PublishResult{Status: broker.Ok, Routed: 1}
}

// Published returns the messages published with routingKey.
func (r *Recorder) Published(routingKey string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages {
		if m.Queue == "" && m.RoutingKey == routingKey {
			out = append(out, m)
		}
	}
	return out
}

// Enqueued returns the messages sent straight to queue.
func (r *Recorder) Enqueued(queue string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.messages {
		if m.Queue == queue {
			out = append(out, m)
		}
	}
	return out
}

// Reset forgets every recorded message.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.messages = nil
	r.mu.Unlock()
}
