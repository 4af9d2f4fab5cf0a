// Package webhook fans events out to HTTP subscribers and delivers them with
// bounded, exponentially backed-off retries.
package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/imrishuroy/go-reservation-saga/internal/broker"
	"github.com/imrishuroy/go-reservation-saga/internal/idempotency"
	"github.com/imrishuroy/go-reservation-saga/internal/validation"
)

// Subscriber is an HTTP endpoint interested in events matching any of its
// topic patterns (`*` one word, `#` zero or more).
type Subscriber struct {
	ID     string   `json:"id" validate:"required,max=64"`
	URL    string   `json:"url" validate:"required,url"`
	Events []string `json:"events" validate:"required,min=1,dive,required"`
}

// ParseSubscribers reads the JSON array configured in WEBHOOK_SUBSCRIBERS.
func ParseSubscribers(raw string) ([]Subscriber, error) {
	if raw == "" {
		return nil, nil
	}
	var subs []Subscriber
	if err := json.Unmarshal([]byte(raw), &subs); err != nil {
		return nil, fmt.Errorf("parse subscribers: %w", err)
	}

	v := validation.New()
	seen := make(map[string]bool, len(subs))
	for i, s := range subs {
		if err := v.Struct(s); err != nil {
			return nil, fmt.Errorf("subscriber %d: %w", i, err)
		}
		if strings.HasPrefix(s.ID, idempotency.MarkerPrefix) {
			return nil, fmt.Errorf("subscriber %d: id %q uses the reserved prefix %q", i, s.ID, idempotency.MarkerPrefix)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("subscriber %d: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
	}
	return subs, nil
}

// Registry answers which subscribers want an event.
type Registry struct {
	subs []Subscriber
}

// NewRegistry returns a registry over subs.
func NewRegistry(subs []Subscriber) *Registry {
	return &Registry{subs: subs}
}

// Match returns the subscribers with a pattern matching routingKey, in
// configuration order.
func (r *Registry) Match(routingKey string) []Subscriber {
	var out []Subscriber
	for _, s := range r.subs {
		for _, pattern := range s.Events {
			if broker.MatchTopic(pattern, routingKey) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

// All returns every configured subscriber.
func (r *Registry) All() []Subscriber {
	return append([]Subscriber(nil), r.subs...)
}
