package webhook

import (
	"encoding/json"
	"time"
)

// State of a delivery job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Job is one event on its way to one subscriber. It travels as the body of
// a delivery queue message; every attempt re-enqueues an updated copy.
type Job struct {
	ID             string          `json:"id"`
	SubscriberID   string          `json:"subscriberId"`
	URL            string          `json:"url"`
	EventName      string          `json:"eventName"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
	Attempt        int             `json:"attempt"` // 1-based
	MaxAttempts    int             `json:"maxAttempts"`
	State          State           `json:"state"`
	LastError      string          `json:"lastError,omitempty"`
	Delays         []time.Duration `json:"delays,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	FinishedAt     time.Time       `json:"finishedAt,omitzero"`
}

// Backoff is the wait after a failed attempt: base, 2·base, 4·base...
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}
