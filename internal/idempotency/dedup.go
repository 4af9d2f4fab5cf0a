package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-reservation-saga/internal/aws"
)

// DefaultDedupTTL bounds how long a (event, key, subscriber) triple is remembered.
const DefaultDedupTTL = time.Hour

const dedupPrefix = "webhook:dedup:"

// MarkerPrefix starts the subscriber segment of records that guard job
// bookkeeping rather than a delivery. Stats leaves them out.
const MarkerPrefix = "job."

// Marker returns the subscriber segment of a bookkeeping record for step.
func Marker(step, subscriberID string) string {
	return MarkerPrefix + step + "." + subscriberID
}

// DedupKey builds the record key for a delivery triple.
func DedupKey(eventName, idempotencyKey, subscriberID string) string {
	return dedupPrefix + eventName + ":" + idempotencyKey + ":" + subscriberID
}

// DedupStore records which (event, key, subscriber) triples have been
// processed. Every call reports an explicit Result; deciding what to do when
// the store is Unavailable is left to the caller (see FailOpen).
type DedupStore struct {
	client    aws.DynamoDBAPI
	tableName string
	ttl       time.Duration
	nowFunc   func() time.Time
}

// NewDedupStore returns a DedupStore over tableName. A non-positive ttl
// falls back to DefaultDedupTTL.
func NewDedupStore(client aws.DynamoDBAPI, tableName string, ttl time.Duration) *DedupStore {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &DedupStore{
		client:    client,
		tableName: tableName,
		ttl:       ttl,
		nowFunc:   time.Now,
	}
}

// TryProcess creates the record only when it is absent or expired.
// Value is true on first processing and false for a duplicate.
func (s *DedupStore) TryProcess(ctx context.Context, eventName, key, subscriberID string) Result {
	item, now, err := s.item(eventName, key, subscriberID)
	if err != nil {
		return unavailable(err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
		// DynamoDB reaps TTL rows lazily, so an expired row still counts as absent.
		ConditionExpression: awsString("attribute_not_exists(dedup_key) OR expires_at < :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return ok(false)
		}
		return unavailable(fmt.Errorf("put dedup record: %w", err))
	}
	return ok(true)
}

// IsProcessed reports whether a live record exists, without side effects.
func (s *DedupStore) IsProcessed(ctx context.Context, eventName, key, subscriberID string) Result {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            dedupKeyAttr(DedupKey(eventName, key, subscriberID)),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return unavailable(fmt.Errorf("get dedup record: %w", err))
	}
	if len(out.Item) == 0 {
		return ok(false)
	}
	var rec dedupItem
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return unavailable(fmt.Errorf("unmarshal dedup record: %w", err))
	}
	return ok(rec.ExpiresAt >= s.nowFunc().Unix())
}

// MarkAsProcessed writes the record unconditionally, refreshing its TTL.
func (s *DedupStore) MarkAsProcessed(ctx context.Context, eventName, key, subscriberID string) Result {
	item, _, err := s.item(eventName, key, subscriberID)
	if err != nil {
		return unavailable(err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{TableName: &s.tableName, Item: item}); err != nil {
		return unavailable(fmt.Errorf("put dedup record: %w", err))
	}
	return ok(true)
}

// Remove deletes the record so the triple can be processed again. It rolls
// back a TryProcess whose follow-up work failed.
func (s *DedupStore) Remove(ctx context.Context, eventName, key, subscriberID string) Result {
	if _, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName: &s.tableName,
		Key:       dedupKeyAttr(DedupKey(eventName, key, subscriberID)),
	}); err != nil {
		return unavailable(fmt.Errorf("delete dedup record: %w", err))
	}
	return ok(true)
}

// DedupStats summarises the store.
type DedupStats struct {
	Keys int `json:"keys"`
}

// Stats counts the live delivery records, leaving bookkeeping markers out.
// It pages through a COUNT scan.
func (s *DedupStore) Stats(ctx context.Context) (DedupStats, error) {
	input := &dyn.ScanInput{
		TableName:        &s.tableName,
		Select:           types.SelectCount,
		FilterExpression: awsString("expires_at >= :now AND NOT contains(dedup_key, :marker)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":    &types.AttributeValueMemberN{Value: strconv.FormatInt(s.nowFunc().Unix(), 10)},
			":marker": &types.AttributeValueMemberS{Value: ":" + MarkerPrefix},
		},
	}
	var stats DedupStats
	for {
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return DedupStats{}, fmt.Errorf("scan dedup table: %w", err)
		}
		stats.Keys += int(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return stats, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *DedupStore) item(eventName, key, subscriberID string) (map[string]types.AttributeValue, time.Time, error) {
	now := s.nowFunc()
	value, err := json.Marshal(DedupValue{
		ProcessedAt:    now.UTC(),
		EventName:      eventName,
		IdempotencyKey: key,
		SubscriberID:   subscriberID,
	})
	if err != nil {
		return nil, now, fmt.Errorf("encode dedup value: %w", err)
	}
	item, err := attributevalue.MarshalMap(dedupItem{
		Key:       DedupKey(eventName, key, subscriberID),
		Value:     string(value),
		ExpiresAt: now.Add(s.ttl).Unix(),
	})
	if err != nil {
		return nil, now, fmt.Errorf("marshal dedup record: %w", err)
	}
	return item, now, nil
}

func dedupKeyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"dedup_key": &types.AttributeValueMemberS{Value: key},
	}
}

// isConditionFailed detects a failed ConditionExpression, typed or by code.
func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var api smithy.APIError
	return errors.As(err, &api) && strings.HasSuffix(api.ErrorCode(), "ConditionalCheckFailedException")
}
