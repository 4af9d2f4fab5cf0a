package inventory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-reservation-saga/internal/aws"
	"github.com/imrishuroy/go-reservation-saga/internal/reservation"
)

// DefaultLedgerTTL is how long reservation outcomes are kept for replay.
const DefaultLedgerTTL = 7 * 24 * time.Hour

// Store owns the products table and the reservation ledger.
type Store struct {
	client        aws.DynamoDBAPI
	productsTable string
	ledgerTable   string
	ledgerTTL     time.Duration
	nowFunc       func() time.Time
}

// NewStore creates a new inventory Store.
func NewStore(client aws.DynamoDBAPI, productsTable, ledgerTable string) *Store {
	return &Store{
		client:        client,
		productsTable: productsTable,
		ledgerTable:   ledgerTable,
		ledgerTTL:     DefaultLedgerTTL,
		nowFunc:       time.Now,
	}
}

// PutProduct creates or overwrites a product.
func (s *Store) PutProduct(ctx context.Context, p Product) error {
	p.UpdatedAt = s.nowFunc()
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("marshal product: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{TableName: &s.productsTable, Item: item}); err != nil {
		return fmt.Errorf("put product: %w", err)
	}
	return nil
}

// GetProduct fetches a product by id. Returns (nil, nil) if not found.
func (s *Store) GetProduct(ctx context.Context, productID string) (*Product, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.productsTable,
		Key:            map[string]types.AttributeValue{"product_id": &types.AttributeValueMemberS{Value: productID}},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var p Product
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("unmarshal product: %w", err)
	}
	return &p, nil
}

// Entry fetches a ledger entry by idempotency key. Returns (nil, nil) if not found.
func (s *Store) Entry(ctx context.Context, key string) (*LedgerEntry, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.ledgerTable,
		Key:            ledgerKey(key),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var e LedgerEntry
	if err := attributevalue.UnmarshalMap(out.Item, &e); err != nil {
		return nil, fmt.Errorf("unmarshal ledger entry: %w", err)
	}
	return &e, nil
}

// Reserve applies req at most once per idempotency key. The ledger entry and
// the stock decrement are written in one transaction, so a redelivered request
// replays the stored outcome (replayed=true) and never decrements twice.
// Business rejections are outcomes, not errors.
func (s *Store) Reserve(ctx context.Context, req reservation.Request) (reservation.Outcome, bool, error) {
	if e, err := s.Entry(ctx, req.IdempotencyKey); err != nil {
		return reservation.Outcome{}, false, err
	} else if e != nil {
		return e.Outcome(), true, nil
	}

	p, err := s.GetProduct(ctx, req.ProductID)
	if err != nil {
		return reservation.Outcome{}, false, err
	}
	if p == nil {
		return s.reject(ctx, req, reservation.ReasonProductNotFound)
	}
	if p.Stock < req.Quantity {
		return s.reject(ctx, req, reservation.ReasonOutOfStock)
	}

	entry, err := s.entryItem(req, true, "")
	if err != nil {
		return reservation.Outcome{}, false, err
	}
	now := s.nowFunc()
	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           &s.ledgerTable,
					Item:                entry,
					ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
				},
			},
			{
				Update: &types.Update{
					TableName:           &s.productsTable,
					Key:                 map[string]types.AttributeValue{"product_id": &types.AttributeValueMemberS{Value: req.ProductID}},
					UpdateExpression:    awsString("SET stock = stock - :q, updated_at = :ua"),
					ConditionExpression: awsString("attribute_exists(product_id) AND stock >= :q"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":q":  &types.AttributeValueMemberN{Value: strconv.Itoa(req.Quantity)},
						":ua": &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
					},
				},
			},
		},
	})
	if err == nil {
		return reservation.Approve(req), false, nil
	}

	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return reservation.Outcome{}, false, fmt.Errorf("transact reserve: %w", err)
	}
	if cancelledAt(tce, 0) {
		// a concurrent delivery of the same request won the race
		return s.replay(ctx, req.IdempotencyKey)
	}
	// stock changed between the read and the transaction
	p, err = s.GetProduct(ctx, req.ProductID)
	if err != nil {
		return reservation.Outcome{}, false, err
	}
	if p == nil {
		return s.reject(ctx, req, reservation.ReasonProductNotFound)
	}
	return s.reject(ctx, req, reservation.ReasonOutOfStock)
}

// reject records a rejection in the ledger so it is replayed on redelivery.
func (s *Store) reject(ctx context.Context, req reservation.Request, reason reservation.Reason) (reservation.Outcome, bool, error) {
	item, err := s.entryItem(req, false, reason)
	if err != nil {
		return reservation.Outcome{}, false, err
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.ledgerTable,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return s.replay(ctx, req.IdempotencyKey)
		}
		return reservation.Outcome{}, false, fmt.Errorf("put ledger entry: %w", err)
	}
	return reservation.Reject(req, reason), false, nil
}

func (s *Store) replay(ctx context.Context, key string) (reservation.Outcome, bool, error) {
	e, err := s.Entry(ctx, key)
	if err != nil {
		return reservation.Outcome{}, false, err
	}
	if e == nil {
		return reservation.Outcome{}, false, fmt.Errorf("ledger entry %s vanished after conditional failure", key)
	}
	return e.Outcome(), true, nil
}

// Release returns the stock held by the reservation rel refers to. Only a
// RESERVED entry is released, so repeated releases are no-ops that report
// false. Product and quantity come from the ledger, not the command.
func (s *Store) Release(ctx context.Context, rel reservation.Release) (bool, error) {
	key := rel.IdempotencyKey
	e, err := s.Entry(ctx, key)
	if err != nil {
		return false, err
	}
	if e == nil || e.Status != StatusReserved {
		return false, nil
	}

	ua := &types.AttributeValueMemberS{Value: s.nowFunc().Format(time.RFC3339)}
	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Update: &types.Update{
					TableName:                &s.ledgerTable,
					Key:                      ledgerKey(key),
					UpdateExpression:         awsString("SET #s = :released, updated_at = :ua"),
					ConditionExpression:      awsString("#s = :reserved"),
					ExpressionAttributeNames: map[string]string{"#s": "status"},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":released": &types.AttributeValueMemberS{Value: StatusReleased},
						":reserved": &types.AttributeValueMemberS{Value: StatusReserved},
						":ua":       ua,
					},
				},
			},
			{
				Update: &types.Update{
					TableName:           &s.productsTable,
					Key:                 map[string]types.AttributeValue{"product_id": &types.AttributeValueMemberS{Value: e.ProductID}},
					UpdateExpression:    awsString("SET stock = stock + :q, updated_at = :ua"),
					ConditionExpression: awsString("attribute_exists(product_id)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":q":  &types.AttributeValueMemberN{Value: strconv.Itoa(e.Quantity)},
						":ua": ua,
					},
				},
			},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) && (cancelledAt(tce, 0) || cancelledAt(tce, 1)) {
			return false, nil
		}
		return false, fmt.Errorf("transact release: %w", err)
	}
	return true, nil
}

func (s *Store) entryItem(req reservation.Request, approved bool, reason reservation.Reason) (map[string]types.AttributeValue, error) {
	now := s.nowFunc()
	status := StatusReserved
	if !approved {
		status = StatusRejected
	}
	item, err := attributevalue.MarshalMap(LedgerEntry{
		IdempotencyKey: req.IdempotencyKey,
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		Status:         status,
		Approved:       approved,
		Reason:         string(reason),
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ledgerTTL).Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal ledger entry: %w", err)
	}
	return item, nil
}

// cancelledAt reports whether the i-th transaction item failed its condition.
func cancelledAt(tce *types.TransactionCanceledException, i int) bool {
	if i >= len(tce.CancellationReasons) {
		return false
	}
	code := tce.CancellationReasons[i].Code
	return code != nil && *code == "ConditionalCheckFailed"
}

func ledgerKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: key},
	}
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
