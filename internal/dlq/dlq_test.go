package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/calebmorten/eventgate/internal/event"
	"github.com/calebmorten/eventgate/internal/fault"
)

func testDeadLetter(eventID, integrationID string) event.DeadLetter {
	evt := event.New("org-1", "invoice.created", json.RawMessage(`{"id":1}`))
	evt.ID = eventID
	task := event.Task{Event: evt, IntegrationID: integrationID}
	return event.NewDeadLetter(task, "att-1", 4,
		fault.New(fault.UpstreamTimeout, "UPSTREAM_TIMEOUT", "request timed out"))
}

func newTestService() (*Service, *event.MemPublisher, *MemStore) {
	store := NewMemStore()
	pub := event.NewMemPublisher()
	return NewService(store, pub, "delivery_tasks"), pub, store
}

func TestParkAndRetry(t *testing.T) {
	svc, pub, _ := newTestService()
	ctx := context.Background()

	e, err := svc.Park(ctx, testDeadLetter("evt-1", "int-1"))
	if err != nil {
		t.Fatalf("Park() error = %v", err)
	}
	if e.Status != StatusPending {
		t.Errorf("status = %q", e.Status)
	}

	if err := svc.Retry(ctx, e.ID); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}

	tasks := pub.Tasks["delivery_tasks"]
	if len(tasks) != 1 {
		t.Fatalf("published tasks = %d, want 1", len(tasks))
	}
	if tasks[0].Attempt != 0 || tasks[0].Trigger != "MANUAL" {
		t.Errorf("retried task should be a fresh manual attempt: %+v", tasks[0])
	}

	got, _ := svc.Get(ctx, e.ID)
	if got.Status != StatusRetrying {
		t.Errorf("status after retry = %q", got.Status)
	}

	// Retrying again while already in flight is rejected.
	if err := svc.Retry(ctx, e.ID); fault.CodeOf(err) != "INVALID_DLQ_STATE" {
		t.Errorf("second retry error = %v", err)
	}
}

func TestAbandonKeepsNotes(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	e, _ := svc.Park(ctx, testDeadLetter("evt-1", "int-1"))
	if err := svc.Abandon(ctx, e.ID, "endpoint decommissioned"); err != nil {
		t.Fatalf("Abandon() error = %v", err)
	}
	got, _ := svc.Get(ctx, e.ID)
	if got.Status != StatusAbandoned || got.Notes != "endpoint decommissioned" {
		t.Errorf("entry = %+v", got)
	}
	// Idempotent.
	if err := svc.Abandon(ctx, e.ID, "again"); err != nil {
		t.Errorf("repeat abandon error = %v", err)
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	e, _ := svc.Park(ctx, testDeadLetter("evt-1", "int-1"))
	if err := svc.Delete(ctx, e.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := svc.Get(ctx, e.ID); fault.CodeOf(err) != "DLQ_NOT_FOUND" {
		t.Errorf("Get after delete = %v", err)
	}
}

func TestBulkRetryOneBadIDDoesNotAbort(t *testing.T) {
	svc, pub, _ := newTestService()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 10; i++ {
		e, _ := svc.Park(ctx, testDeadLetter(fmt.Sprintf("evt-%d", i), "int-1"))
		ids = append(ids, e.ID)
	}
	// Swap one id for a missing one.
	ids[4] = "missing-id"

	res := svc.BulkRetry(ctx, ids)
	if len(res.Succeeded) != 9 {
		t.Errorf("succeeded = %d, want 9", len(res.Succeeded))
	}
	if len(res.Failed) != 1 {
		t.Fatalf("failed = %v, want exactly the missing id", res.Failed)
	}
	if _, ok := res.Failed["missing-id"]; !ok {
		t.Errorf("failed map should name the missing id: %v", res.Failed)
	}
	if len(pub.Tasks["delivery_tasks"]) != 9 {
		t.Errorf("published = %d, want 9", len(pub.Tasks["delivery_tasks"]))
	}
}

func TestListFilters(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()

	a, _ := svc.Park(ctx, testDeadLetter("evt-1", "int-1"))
	b, _ := svc.Park(ctx, testDeadLetter("evt-2", "int-2"))
	_ = svc.Abandon(ctx, b.ID, "done")

	pending, err := svc.List(ctx, Filter{Status: StatusPending})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != a.ID {
		t.Errorf("pending = %+v", pending)
	}

	byIntegration, _ := svc.List(ctx, Filter{IntegrationID: "int-2"})
	if len(byIntegration) != 1 || byIntegration[0].ID != b.ID {
		t.Errorf("byIntegration = %+v", byIntegration)
	}
}
