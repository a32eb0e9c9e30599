package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"accessbridge/internal/cache"
	"accessbridge/internal/config"
	"accessbridge/internal/faults"
	"accessbridge/internal/models"
	"accessbridge/internal/queue"
)

// fakeStore is an in-memory JobStore recording every transition, so tests
// can assert on the audit trail the way the real schema would show it.
type fakeStore struct {
	status map[string]string
	audit  []models.AuditEntry
	refs   []models.ExternalReference

	validateErr error
	claimErr    error
	finalizeErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{status: make(map[string]string)}
}

// seed registers a job as freshly created: status queued plus the initial
// audit row ingestion would have written.
func (f *fakeStore) seed(correlationID string) {
	f.status[correlationID] = models.StatusQueued
	f.audit = append(f.audit, models.AuditEntry{
		CorrelationID: correlationID,
		Status:        models.StatusQueued,
		Message:       "request received",
		Timestamp:     time.Now(),
	})
}

func (f *fakeStore) ValidateQueued(_ context.Context, id string) (bool, error) {
	if f.validateErr != nil {
		return false, f.validateErr
	}
	return f.status[id] == models.StatusQueued, nil
}

func (f *fakeStore) ClaimQueued(_ context.Context, id, msg string) (bool, error) {
	if f.claimErr != nil {
		return false, f.claimErr
	}
	if f.status[id] != models.StatusQueued {
		return false, nil
	}
	f.status[id] = models.StatusInProgress
	f.audit = append(f.audit, models.AuditEntry{CorrelationID: id, Status: models.StatusInProgress, Message: msg, Timestamp: time.Now()})
	return true, nil
}

func (f *fakeStore) Finalize(_ context.Context, id, newStatus, msg string, ref *models.ExternalReference) error {
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	if _, ok := f.status[id]; !ok {
		return faults.New(faults.StoreQuery, "finalize: no job row")
	}
	f.status[id] = newStatus
	f.audit = append(f.audit, models.AuditEntry{CorrelationID: id, Status: newStatus, Message: msg, Timestamp: time.Now()})
	if newStatus == models.StatusSuccess && ref != nil {
		f.refs = append(f.refs, *ref)
	}
	return nil
}

func (f *fakeStore) StaleInProgress(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeStore) auditStatuses(id string) []string {
	var out []string
	for _, a := range f.audit {
		if a.CorrelationID == id {
			out = append(out, a.Status)
		}
	}
	return out
}

type fakeExecutor struct {
	ref string
	err error
}

func (f *fakeExecutor) Execute(_ context.Context, _ models.QueueMessage) (string, error) {
	return f.ref, f.err
}

type fixture struct {
	proc  *Processor
	store *fakeStore
	queue *queue.WorkQueue
	cache *cache.StatusCache
}

func newFixture(t *testing.T, exec Executor) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := config.Config{
		TargetDomain:   "aws",
		DequeueTimeout: 100 * time.Millisecond,
		RetryPause:     5 * time.Millisecond,
		StaleThreshold: time.Minute,
	}
	st := newFakeStore()
	q := queue.NewWorkQueueWithClient(client)
	c := cache.NewWithClient(client, 300*time.Second)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		proc:  New(cfg, st, q, c, exec, log),
		store: st,
		queue: q,
		cache: c,
	}
}

func payloadFor(t *testing.T, id string) []byte {
	t.Helper()
	raw, err := json.Marshal(models.QueueMessage{
		CorrelationID:   id,
		ClientRequestID: "client-1",
		AccountID:       "123456789012",
		Principal:       "alice",
		PrincipalType:   models.PrincipalUser,
		Entitlement:     "ReadOnlyAccess",
		EntitlementType: models.EntitlementDefault,
		Action:          models.ActionAdd,
		TargetCloud:     "aws",
		Status:          models.StatusQueued,
		ReceivedAt:      time.Now(),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestProcessSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeExecutor{ref: "req-42"})
	f.store.seed("c1")

	f.proc.Process(ctx, payloadFor(t, "c1"))

	if got := f.store.status["c1"]; got != models.StatusSuccess {
		t.Fatalf("status = %s, want success", got)
	}
	want := []string{models.StatusQueued, models.StatusInProgress, models.StatusSuccess}
	if got := f.store.auditStatuses("c1"); len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Fatalf("audit trail = %v, want %v", got, want)
	}
	if len(f.store.refs) != 1 || f.store.refs[0].ExternalRefID != "req-42" || f.store.refs[0].CloudProvider != "aws" {
		t.Fatalf("external refs = %+v, want one aws/req-42 row", f.store.refs)
	}

	// Success is mirrored into the cache.
	view, hit, err := f.cache.Get(ctx, "c1")
	if err != nil || !hit {
		t.Fatalf("cache get: hit=%v err=%v", hit, err)
	}
	if view.Status != models.StatusSuccess {
		t.Fatalf("cached status = %s, want success", view.Status)
	}
}

func TestProcessTransientFailureRequeues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeExecutor{err: faults.New(faults.ExecutorTransient, "throttled")})
	f.store.seed("c2")

	// A fresh message behind it proves the retry lands at the head.
	if err := f.queue.Enqueue(ctx, "aws", models.QueueMessage{CorrelationID: "later"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f.proc.Process(ctx, payloadFor(t, "c2"))

	if got := f.store.status["c2"]; got != models.StatusQueued {
		t.Fatalf("status = %s, want queued", got)
	}
	want := []string{models.StatusQueued, models.StatusInProgress, models.StatusQueued}
	if got := f.store.auditStatuses("c2"); len(got) != 3 || got[2] != want[2] {
		t.Fatalf("audit trail = %v, want %v", got, want)
	}
	if len(f.store.refs) != 0 {
		t.Fatalf("no external ref expected, got %+v", f.store.refs)
	}

	head, err := f.queue.DequeueBlocking(ctx, "aws", time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	var got models.QueueMessage
	if err := json.Unmarshal(head, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.CorrelationID != "c2" {
		t.Fatalf("head of queue = %s, want the requeued c2", got.CorrelationID)
	}
}

func TestProcessDuplicateDeliveryDiscarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeExecutor{ref: "req-42"})
	f.store.status["c3"] = models.StatusSuccess

	f.proc.Process(ctx, payloadFor(t, "c3"))

	if got := f.store.status["c3"]; got != models.StatusSuccess {
		t.Fatalf("terminal status mutated to %s", got)
	}
	if len(f.store.audit) != 0 {
		t.Fatalf("duplicate delivery wrote audit rows: %+v", f.store.audit)
	}
	if len(f.store.refs) != 0 {
		t.Fatalf("duplicate delivery wrote refs: %+v", f.store.refs)
	}
}

func TestProcessPermanentFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeExecutor{err: faults.New(faults.ExecutorPermanent, "attach user policy: AccessDenied")})
	f.store.seed("c4")

	f.proc.Process(ctx, payloadFor(t, "c4"))

	if got := f.store.status["c4"]; got != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	if len(f.store.refs) != 0 {
		t.Fatalf("failed job must not have an external ref")
	}
	last := f.store.audit[len(f.store.audit)-1]
	if last.Status != models.StatusFailed || last.Message == "" {
		t.Fatalf("unexpected final audit row: %+v", last)
	}
	if want := "non-retryable"; !strings.Contains(last.Message, want) {
		t.Fatalf("final audit message %q should reflect a non-retryable classification", last.Message)
	}

	// Permanent domain failures are not dead-lettered; the failed row plus
	// audit trail is the durable record.
	depth, _ := f.queue.DLQDepth(ctx, "aws")
	if depth != 0 {
		t.Fatalf("dlq depth = %d, want 0", depth)
	}
}

func TestProcessUnknownFailureDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeExecutor{err: errors.New("panic-adjacent surprise")})
	f.store.seed("c5")

	f.proc.Process(ctx, payloadFor(t, "c5"))

	if got := f.store.status["c5"]; got != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	depth, err := f.queue.DLQDepth(ctx, "aws")
	if err != nil {
		t.Fatalf("dlq depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("unknown failure should be dead-lettered, dlq depth = %d", depth)
	}
}

func TestProcessMalformedPayloadDropped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeExecutor{})

	f.proc.Process(ctx, []byte(`{"not json`))
	f.proc.Process(ctx, []byte(`{"account_id":"123"}`)) // no correlation id

	if len(f.store.audit) != 0 {
		t.Fatalf("malformed payload touched the store: %+v", f.store.audit)
	}
	depth, _ := f.queue.Depth(ctx, "aws")
	dlq, _ := f.queue.DLQDepth(ctx, "aws")
	if depth != 0 || dlq != 0 {
		t.Fatalf("malformed payload should be dropped, depth=%d dlq=%d", depth, dlq)
	}
}

func TestStoreConnectivityFailureRequeues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeExecutor{ref: "req-42"})
	f.store.seed("c6")
	f.store.validateErr = faults.New(faults.StoreConnectivity, "connection refused")

	f.proc.Process(ctx, payloadFor(t, "c6"))

	// The message survives at the head of the origin queue for redelivery.
	head, err := f.queue.DequeueBlocking(ctx, "aws", time.Second)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	var got models.QueueMessage
	if err := json.Unmarshal(head, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.CorrelationID != "c6" {
		t.Fatalf("requeued message = %s, want c6", got.CorrelationID)
	}
}

func TestStoreQueryFailureDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeExecutor{ref: "req-42"})
	f.store.seed("c7")
	f.store.validateErr = faults.New(faults.StoreQuery, "permission denied for table jobs")

	f.proc.Process(ctx, payloadFor(t, "c7"))

	if got := f.store.status["c7"]; got != models.StatusQueued {
		t.Fatalf("store must not be touched on a query fault, status = %s", got)
	}
	depth, _ := f.queue.DLQDepth(ctx, "aws")
	if depth != 1 {
		t.Fatalf("query fault should dead-letter the message, dlq depth = %d", depth)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t, &fakeExecutor{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- f.proc.Run(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
