package idempotency

import "time"

// Status values for request records
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// RequestRecord is the shape persisted in the request idempotency table. It
// ties an HTTP Idempotency-Key to the order it created and, once the saga
// settles, to the final response.
type RequestRecord struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	Status         string    `dynamodbav:"status"`
	OrderID        string    `dynamodbav:"order_id,omitempty"`
	ResponseBody   string    `dynamodbav:"response_body,omitempty"`
	ResponseStatus int       `dynamodbav:"response_status,omitempty"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	Note           string    `dynamodbav:"note,omitempty"`
}

// Availability tells whether the dedup store answered.
type Availability int

const (
	Ok Availability = iota
	Unavailable
)

func (a Availability) String() string {
	if a == Ok {
		return "ok"
	}
	return "unavailable"
}

// Result is the explicit outcome of a dedup store call. Value is only
// meaningful when Status is Ok.
type Result struct {
	Status Availability
	Value  bool
	Err    error
}

func ok(v bool) Result { return Result{Status: Ok, Value: v} }

func unavailable(err error) Result { return Result{Status: Unavailable, Err: err} }

// DedupValue is the JSON document stored with each dedup record.
type DedupValue struct {
	ProcessedAt    time.Time `json:"processedAt"`
	EventName      string    `json:"eventName"`
	IdempotencyKey string    `json:"idempotencyKey"`
	SubscriberID   string    `json:"subscriberId"`
}

type dedupItem struct {
	Key       string `dynamodbav:"dedup_key"` // PK
	Value     string `dynamodbav:"value"`
	ExpiresAt int64  `dynamodbav:"expires_at"` // TTL epoch seconds
}
