package inventory

import (
	"time"

	"github.com/imrishuroy/go-reservation-saga/internal/reservation"
)

// Product is the item stored in the products table.
type Product struct {
	ProductID string    `dynamodbav:"product_id" json:"productId"` // PK
	Name      string    `dynamodbav:"name,omitempty" json:"name,omitempty"`
	Stock     int       `dynamodbav:"stock" json:"stock"`
	UpdatedAt time.Time `dynamodbav:"updated_at" json:"updatedAt"`
}

// Ledger entry statuses
const (
	StatusReserved = "RESERVED"
	StatusRejected = "REJECTED"
	StatusReleased = "RELEASED"
)

// LedgerEntry records the outcome of one reservation request, keyed by its
// idempotency key, so redelivery replays the outcome instead of touching stock.
type LedgerEntry struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	ProductID      string    `dynamodbav:"product_id"`
	Quantity       int       `dynamodbav:"quantity"`
	Status         string    `dynamodbav:"status"` // RESERVED | REJECTED | RELEASED
	Approved       bool      `dynamodbav:"approved"`
	Reason         string    `dynamodbav:"reason,omitempty"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
}

// Outcome rebuilds the wire outcome stored in the entry. A released entry
// still reports the original approval.
func (e LedgerEntry) Outcome() reservation.Outcome {
	req := reservation.Request{ProductID: e.ProductID, Quantity: e.Quantity, IdempotencyKey: e.IdempotencyKey}
	if e.Approved {
		return reservation.Approve(req)
	}
	return reservation.Reject(req, reservation.Reason(e.Reason))
}
