package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-reservation-saga/internal/aws/awstest"
)

func TestRequestStore_Get_MarkDone_MarkFailed(t *testing.T) {
	mock := awstest.NewDynamoDB().CreateTable("idempotency-table", "idempotency_key")
	s := NewRequestStore(mock, "idempotency-table", 48*time.Hour)

	ctx := context.Background()
	key := "test-key-1"
	orderID := "order-123"

	item, err := attributevalue.MarshalMap(s.NewRecord(key, orderID))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := mock.SetItem("idempotency-table", item); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Get the record
	rec, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec == nil {
		t.Fatalf("expected record, got nil")
	}
	if rec.Status != StatusInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", rec.Status)
	}
	if rec.OrderID != orderID {
		t.Fatalf("order id mismatch")
	}

	// Mark done
	if err := s.MarkDone(ctx, key, "{\"ok\":true}", 200); err != nil {
		t.Fatalf("MarkDone error: %v", err)
	}

	raw := mock.Item("idempotency-table", key)
	if st, ok := raw["status"].(*types.AttributeValueMemberS); !ok || st.Value != StatusDone {
		t.Fatalf("status not updated to DONE, got %+v", raw["status"])
	}
	if rb, ok := raw["response_body"].(*types.AttributeValueMemberS); !ok || rb.Value != "{\"ok\":true}" {
		t.Fatalf("response_body not set correctly: %+v", raw["response_body"])
	}

	// MarkFailed (should overwrite status)
	if err := s.MarkFailed(ctx, key, "failed-reason"); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}
	rec, err = s.Get(ctx, key)
	if err != nil || rec == nil {
		t.Fatalf("Get after MarkFailed: %v %v", rec, err)
	}
	if rec.Status != StatusFailed || rec.Note != "failed-reason" {
		t.Fatalf("expected FAILED with note, got %+v", rec)
	}
}

func TestRequestStore_MissingAndExpired(t *testing.T) {
	mock := awstest.NewDynamoDB().CreateTable("idempotency-table", "idempotency_key")
	s := NewRequestStore(mock, "idempotency-table", time.Hour)
	ctx := context.Background()

	rec, err := s.Get(ctx, "nope")
	if err != nil || rec != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", rec, err)
	}

	// MarkDone must not create a record out of nothing.
	if err := s.MarkDone(ctx, "nope", "{}", 200); err == nil {
		t.Fatal("expected MarkDone on missing record to fail")
	}

	past := time.Now().Add(-2 * time.Hour)
	s.nowFunc = func() time.Time { return past }
	item, _ := attributevalue.MarshalMap(s.NewRecord("old", "o-1"))
	_ = mock.SetItem("idempotency-table", item)
	s.nowFunc = time.Now

	rec, err = s.Get(ctx, "old")
	if err != nil || rec != nil {
		t.Fatalf("expected expired record to read as absent, got (%v, %v)", rec, err)
	}
}

func TestAttributevalueMarshal_Unmarshal(t *testing.T) {
	// ensure our types marshal/unmarshal cleanly
	rec := RequestRecord{
		IdempotencyKey: "k1",
		Status:         StatusInProgress,
		OrderID:        "o1",
		CreatedAt:      time.Now().Round(time.Second),
		UpdatedAt:      time.Now().Round(time.Second),
		ExpiresAt:      time.Now().Add(24 * time.Hour).Unix(),
	}
	m, err := attributevalue.MarshalMap(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out RequestRecord
	if err := attributevalue.UnmarshalMap(m, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.IdempotencyKey != rec.IdempotencyKey {
		t.Fatalf("unmarshal mismatch")
	}
}
