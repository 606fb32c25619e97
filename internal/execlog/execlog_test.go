package execlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/calebmorten/eventgate/internal/fault"
)

func TestAttemptLifecycle(t *testing.T) {
	store := NewMemStore()
	l := New(store)
	ctx := context.Background()

	a := l.Start(ctx, Meta{
		OrgID:         "org-1",
		EventID:       "evt-1",
		IntegrationID: "int-1",
		Direction:     "OUTBOUND",
		Trigger:       TriggerEvent,
	})
	a.Running(ctx)
	a.AddStep(ctx, StepRateLimit, "success", 2*time.Millisecond, nil, nil)
	a.AddStep(ctx, StepRequestTransform, "success", 10*time.Millisecond, nil, nil)
	a.AddStep(ctx, StepHTTPCall, "success", 120*time.Millisecond, map[string]any{"status": 200}, nil)
	a.SetAttempts(1)
	a.Success(ctx, ResponseSnapshot{StatusCode: 200, Body: `{"ok":true}`})

	rec, err := store.GetByID(ctx, a.ID())
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if rec.Status != StatusSuccess {
		t.Errorf("status = %q", rec.Status)
	}
	if rec.FinishedAt == nil {
		t.Error("FinishedAt should be set")
	}
	want := []string{StepRateLimit, StepRequestTransform, StepHTTPCall}
	if len(rec.Steps) != len(want) {
		t.Fatalf("steps = %d, want %d", len(rec.Steps), len(want))
	}
	for i, name := range want {
		if rec.Steps[i].Name != name {
			t.Errorf("step[%d] = %q, want %q", i, rec.Steps[i].Name, name)
		}
	}
	if rec.Response == nil || rec.Response.StatusCode != 200 {
		t.Errorf("response = %+v", rec.Response)
	}
}

func TestAttemptFinalizeOnce(t *testing.T) {
	store := NewMemStore()
	l := New(store)
	ctx := context.Background()

	a := l.Start(ctx, Meta{OrgID: "org-1", EventID: "evt-1", IntegrationID: "int-1"})
	a.Fail(ctx, fault.New(fault.Upstream, "UPSTREAM_STATUS", "upstream returned 500"), nil)
	a.Success(ctx, ResponseSnapshot{StatusCode: 200})

	rec, err := store.GetByID(ctx, a.ID())
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if rec.Status != StatusFailed {
		t.Errorf("second finalize should be ignored, status = %q", rec.Status)
	}
	if rec.ErrorCode != "UPSTREAM_STATUS" {
		t.Errorf("error code = %q", rec.ErrorCode)
	}
	if rec.ErrorCategory != string(fault.Upstream) {
		t.Errorf("error category = %q", rec.ErrorCategory)
	}
}

func TestAttemptTimeoutStatus(t *testing.T) {
	store := NewMemStore()
	l := New(store)
	ctx := context.Background()

	a := l.Start(ctx, Meta{OrgID: "org-1", EventID: "evt-1", IntegrationID: "int-1"})
	a.Timeout(ctx, fault.New(fault.UpstreamTimeout, "UPSTREAM_TIMEOUT", "request timed out"))

	rec, _ := store.GetByID(ctx, a.ID())
	if rec.Status != StatusTimeout {
		t.Errorf("status = %q, want timeout", rec.Status)
	}
}

type failingStore struct{}

func (failingStore) Create(context.Context, *Record) error { return errors.New("db down") }
func (failingStore) Update(context.Context, *Record) error { return errors.New("db down") }
func (failingStore) GetByID(context.Context, string) (*Record, error) {
	return nil, errors.New("db down")
}
func (failingStore) HasReplay(context.Context, string) (bool, error) {
	return false, errors.New("db down")
}
func (failingStore) ListRetryable(context.Context, time.Time, int) ([]Record, error) {
	return nil, errors.New("db down")
}

func TestStoreFailuresAreSwallowed(t *testing.T) {
	l := New(failingStore{})
	ctx := context.Background()

	a := l.Start(ctx, Meta{OrgID: "org-1", EventID: "evt-1", IntegrationID: "int-1"})
	a.AddStep(ctx, StepAuth, "success", time.Millisecond, nil, nil)
	a.Success(ctx, ResponseSnapshot{StatusCode: 200})

	if !a.Finalized() {
		t.Error("attempt should finalize even when the store is broken")
	}
	if a.Snapshot().Status != StatusSuccess {
		t.Errorf("in-memory record should still carry the outcome: %q", a.Snapshot().Status)
	}
}

func TestHasReplay(t *testing.T) {
	store := NewMemStore()
	l := New(store)
	ctx := context.Background()

	orig := l.Start(ctx, Meta{OrgID: "org-1", EventID: "evt-1", IntegrationID: "int-1"})
	orig.Success(ctx, ResponseSnapshot{StatusCode: 200})

	got, err := store.HasReplay(ctx, orig.ID())
	if err != nil || got {
		t.Fatalf("HasReplay before replay = %v, %v", got, err)
	}

	replay := l.Start(ctx, Meta{OrgID: "org-1", EventID: "evt-1", IntegrationID: "int-1", ReplayOf: orig.ID(), Trigger: TriggerManual})
	replay.Success(ctx, ResponseSnapshot{StatusCode: 200})

	got, err = store.HasReplay(ctx, orig.ID())
	if err != nil || !got {
		t.Fatalf("HasReplay after replay = %v, %v", got, err)
	}
}
