package orders

import "time"

// Status is the saga state of an order.
type Status string

// Order statuses. PENDING is initial; the others are terminal.
const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusRejected  Status = "REJECTED"
)

// IsTerminal reports whether s can no longer change.
func IsTerminal(s Status) bool {
	return s == StatusConfirmed || s == StatusRejected
}

// CanTransition reports whether from -> to is a legal saga step.
func CanTransition(from, to Status) bool {
	return from == StatusPending && IsTerminal(to)
}

// Order represents the item stored in the Orders DynamoDB table.
type Order struct {
	OrderID        string    `dynamodbav:"order_id" json:"orderId"` // PK
	ProductID      string    `dynamodbav:"product_id" json:"productId"`
	Quantity       int       `dynamodbav:"quantity" json:"quantity"`
	Status         Status    `dynamodbav:"status" json:"status"` // PENDING | CONFIRMED | REJECTED
	Reason         string    `dynamodbav:"reason,omitempty" json:"reason,omitempty"`
	IdempotencyKey string    `dynamodbav:"idempotency_key" json:"idempotencyKey"`
	Reissues       int       `dynamodbav:"reissues" json:"reissues"`
	PendingSince   int64     `dynamodbav:"pending_since" json:"-"` // epoch seconds of the last reservation request
	CreatedAt      time.Time `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt      time.Time `dynamodbav:"updated_at" json:"updatedAt"`
}
