package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-reservation-saga/internal/aws"
	"github.com/imrishuroy/go-reservation-saga/internal/idempotency"
)

var (
	// ErrStatusMismatch is returned when a conditional status update finds another status.
	ErrStatusMismatch = errors.New("status mismatch/conditional failed")
	// ErrDuplicateKey is returned when the idempotency key already has an order.
	ErrDuplicateKey = errors.New("idempotency key already used")
	// ErrIllegalTransition is returned for a transition the saga does not allow.
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Store encapsulates operations on the orders table.
type Store struct {
	client        aws.DynamoDBAPI
	tableName     string
	requestsTable string
	nowFunc       func() time.Time
}

// NewStore creates a new orders Store. requestsTable holds the request
// idempotency records written together with each order.
func NewStore(client aws.DynamoDBAPI, tableName, requestsTable string) *Store {
	return &Store{
		client:        client,
		tableName:     tableName,
		requestsTable: requestsTable,
		nowFunc:       time.Now,
	}
}

// CreateWithIdempotencyTransaction atomically creates:
//   - the request record in the requests table (with ConditionExpression attribute_not_exists(idempotency_key))
//   - the order record in the orders table
//
// Returns ErrDuplicateKey when the key is already taken.
func (s *Store) CreateWithIdempotencyTransaction(ctx context.Context, rec idempotency.RequestRecord, order Order) error {
	idempMap, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency item: %w", err)
	}

	now := s.nowFunc()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if order.PendingSince == 0 {
		order.PendingSince = now.Unix()
	}

	orderMap, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}

	transactItems := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           &s.requestsTable,
				Item:                idempMap,
				ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
			},
		},
		{
			Put: &types.Put{
				TableName:           &s.tableName,
				Item:                orderMap,
				ConditionExpression: awsString("attribute_not_exists(order_id)"),
			},
		},
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: transactItems})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) && len(tce.CancellationReasons) > 0 &&
			sdkaws.ToString(tce.CancellationReasons[0].Code) == "ConditionalCheckFailed" {
			return ErrDuplicateKey
		}
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// Get fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	key := map[string]types.AttributeValue{
		"order_id": &types.AttributeValueMemberS{Value: orderID},
	}
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            key,
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var o Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// GetByIdempotencyKey resolves the order created under key through its
// request record. Returns (nil, nil) if there is none.
func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.requestsTable,
		Key: map[string]types.AttributeValue{
			"idempotency_key": &types.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get request record: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec idempotency.RequestRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal request record: %w", err)
	}
	if rec.OrderID == "" {
		return nil, nil
	}
	return s.Get(ctx, rec.OrderID)
}

// Transition conditionally moves the order from -> to and records reason.
// Returns ErrStatusMismatch if the order is no longer in from.
func (s *Store) Transition(ctx context.Context, orderID string, from, to Status, reason string) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:         awsString("SET #s = :new, reason = :r, updated_at = :ua"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: string(to)},
			":r":        &types.AttributeValueMemberS{Value: reason},
			":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			":expected": &types.AttributeValueMemberS{Value: string(from)},
		},
		ConditionExpression: awsString("#s = :expected"),
	}

	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var sc *types.ConditionalCheckFailedException
		if errors.As(err, &sc) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// ListPendingBefore returns PENDING orders whose last reservation request
// was issued before cutoff.
func (s *Store) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]Order, error) {
	input := &dyn.ScanInput{
		TableName:                &s.tableName,
		FilterExpression:         awsString("#s = :pending AND pending_since < :cutoff"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
			":cutoff":  &types.AttributeValueMemberN{Value: strconv.FormatInt(cutoff.Unix(), 10)},
		},
	}

	var out []Order
	for {
		page, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scan pending orders: %w", err)
		}
		var batch []Order
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		out = append(out, batch...)
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

// MarkReissued counts another reservation request for a PENDING order and
// restarts its timeout. Returns ErrStatusMismatch if the order settled meanwhile.
func (s *Store) MarkReissued(ctx context.Context, orderID string) error {
	now := s.nowFunc()
	input := &dyn.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:         awsString("SET reissues = if_not_exists(reissues, :zero) + :inc, pending_since = :now, updated_at = :ua"),
		ConditionExpression:      awsString("#s = :pending"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":zero":    &types.AttributeValueMemberN{Value: "0"},
			":inc":     &types.AttributeValueMemberN{Value: "1"},
			":now":     &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			":ua":      &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
			":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	}
	_, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		var sc *types.ConditionalCheckFailedException
		if errors.As(err, &sc) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("mark reissued: %w", err)
	}
	return nil
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
