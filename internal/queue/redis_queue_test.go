package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"accessbridge/internal/faults"
	"accessbridge/internal/models"
)

func newTestQueue(t *testing.T) (*WorkQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWorkQueueWithClient(client), mr
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	first := models.QueueMessage{CorrelationID: "c1", TargetCloud: "aws"}
	second := models.QueueMessage{CorrelationID: "c2", TargetCloud: "aws"}
	if err := q.Enqueue(ctx, "aws", first); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "aws", second); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	payload, err := q.DequeueBlocking(ctx, "aws", time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	var got models.QueueMessage
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.CorrelationID != "c1" {
		t.Fatalf("expected c1 first, got %s", got.CorrelationID)
	}
}

func TestEnqueueRetryGoesToHead(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Enqueue(ctx, "aws", models.QueueMessage{CorrelationID: "fresh"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	retry, _ := json.Marshal(models.QueueMessage{CorrelationID: "retried"})
	if err := q.EnqueueRetry(ctx, "aws", retry); err != nil {
		t.Fatalf("enqueue retry: %v", err)
	}

	payload, err := q.DequeueBlocking(ctx, "aws", time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	var got models.QueueMessage
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.CorrelationID != "retried" {
		t.Fatalf("retried message should run ahead of fresh work, got %s", got.CorrelationID)
	}
}

func TestDeadLetterIsolation(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.DeadLetter(ctx, "aws", []byte(`{"correlation_id":"bad"}`)); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	// The main queue must stay empty; DLQ messages are never auto-retried.
	depth, err := q.Depth(ctx, "aws")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 0 {
		t.Fatalf("main queue depth = %d, want 0", depth)
	}
	dlqDepth, err := q.DLQDepth(ctx, "aws")
	if err != nil {
		t.Fatalf("dlq depth: %v", err)
	}
	if dlqDepth != 1 {
		t.Fatalf("dlq depth = %d, want 1", dlqDepth)
	}
	items, err := q.DLQPeek(ctx, "aws", 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(items) != 1 || items[0] != `{"correlation_id":"bad"}` {
		t.Fatalf("unexpected dlq contents: %v", items)
	}
}

func TestDequeueConnectivityFault(t *testing.T) {
	ctx := context.Background()
	q, mr := newTestQueue(t)
	mr.Close()

	_, err := q.DequeueBlocking(ctx, "aws", time.Second)
	if err == nil {
		t.Fatal("expected error after redis shutdown")
	}
	kind, ok := faults.KindOf(err)
	if !ok || kind != faults.QueueConnectivity {
		t.Fatalf("expected QueueConnectivity fault, got %v (classified=%v)", err, ok)
	}
	if !faults.Retryable(err) {
		t.Fatal("queue connectivity must be retryable")
	}
}
