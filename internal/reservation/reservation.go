// Package reservation defines the messages exchanged between the ordering
// side and the inventory side while stock is reserved for an order.
package reservation

import (
	"encoding/json"
	"errors"
	"fmt"

	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/go-reservation-saga/internal/validation"
)

// Routing keys on the events exchange.
const (
	KeyReserveStock   = "product.reserveStock"
	KeyStockReserved  = "product.stockReserved"
	KeyReleaseStock   = "product.releaseStock"
	KeyOrderCreated   = "orders.created"
	KeyOrderConfirmed = "orders.confirmed"
	KeyOrderRejected  = "orders.rejected"
)

// Reason explains a rejected reservation.
type Reason string

const (
	ReasonProductNotFound Reason = "PRODUCT_NOT_FOUND"
	ReasonOutOfStock      Reason = "OUT_OF_STOCK"
	// ReasonTimeout is recorded on orders that never received an outcome.
	// It is not a wire value.
	ReasonTimeout Reason = "RESERVATION_TIMEOUT"
)

// ErrMalformed marks a message that can never be processed.
var ErrMalformed = errors.New("malformed reservation message")

// Request asks the inventory side to hold stock. The product id is not
// format-checked: an id the inventory does not know is answered with
// PRODUCT_NOT_FOUND.
type Request struct {
	ProductID      string `json:"productId" validate:"required"`
	Quantity       int    `json:"quantity" validate:"required,gt=0"`
	IdempotencyKey string `json:"idempotencyKey" validate:"required"`
}

// Outcome is the inventory side's answer to a Request.
type Outcome struct {
	Approved       bool   `json:"approved"`
	ProductID      string `json:"productId,omitempty"`
	Quantity       int    `json:"quantity,omitempty"`
	Reason         Reason `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotencyKey" validate:"required"`
}

// Release returns previously reserved stock. It compensates an approval that
// arrived after the order had already been rejected.
type Release struct {
	ProductID      string `json:"productId" validate:"required,productid"`
	Quantity       int    `json:"quantity" validate:"required,gt=0"`
	IdempotencyKey string `json:"idempotencyKey" validate:"required"`
}

// Approve builds the approved outcome for req.
func Approve(req Request) Outcome {
	return Outcome{
		Approved:       true,
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		IdempotencyKey: req.IdempotencyKey,
	}
}

// Reject builds a rejected outcome for req.
func Reject(req Request, reason Reason) Outcome {
	return Outcome{
		Approved:       false,
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		Reason:         reason,
		IdempotencyKey: req.IdempotencyKey,
	}
}

var validate = validation.New()

// DecodeRequest parses and validates a reservation request body.
func DecodeRequest(body []byte) (Request, error) {
	var req Request
	return req, decode(body, &req)
}

// DecodeOutcome parses and validates a reservation outcome body.
func DecodeOutcome(body []byte) (Outcome, error) {
	var out Outcome
	if err := decode(body, &out); err != nil {
		return out, err
	}
	if !out.Approved && out.Reason == "" {
		return out, fmt.Errorf("%w: rejected outcome without reason", ErrMalformed)
	}
	return out, nil
}

// DecodeRelease parses and validates a release command body.
func DecodeRelease(body []byte) (Release, error) {
	var rel Release
	return rel, decode(body, &rel)
}

func decode(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(out); err != nil {
		var verrs validatorv10.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("%w: field %s failed %q", ErrMalformed, verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
