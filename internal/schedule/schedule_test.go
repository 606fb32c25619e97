package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebmorten/eventgate/internal/event"
	"github.com/calebmorten/eventgate/internal/fault"
	"github.com/calebmorten/eventgate/internal/sandbox"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestScheduler() *Scheduler {
	runner := sandbox.New(sandbox.Limits{Timeout: 2 * time.Second})
	return NewWithClock(runner, func() time.Time { return testNow })
}

func TestComputeDelayedFuture(t *testing.T) {
	s := newTestScheduler()
	runAt := testNow.Add(time.Hour)
	script := fmt.Sprintf("return %d", runAt.UnixMilli())

	d, err := s.ComputeDelayed(context.Background(), script, map[string]any{}, Context{OrgID: "org-1"})
	require.NoError(t, err)
	assert.False(t, d.Overdue)
	assert.Equal(t, runAt.UnixMilli(), d.RunAt.UnixMilli())
}

func TestComputeDelayedPastIsOverdueNotError(t *testing.T) {
	s := newTestScheduler()
	script := fmt.Sprintf("return %d", testNow.Add(-time.Hour).UnixMilli())

	d, err := s.ComputeDelayed(context.Background(), script, map[string]any{}, Context{OrgID: "org-1"})
	require.NoError(t, err)
	assert.True(t, d.Overdue)
}

func TestComputeDelayedNonNumber(t *testing.T) {
	s := newTestScheduler()
	_, err := s.ComputeDelayed(context.Background(), `return "tomorrow"`, nil, Context{})
	assert.Equal(t, "INVALID_CONFIG", fault.CodeOf(err))
}

func TestComputeDelayedUsesPayload(t *testing.T) {
	s := newTestScheduler()
	script := "return payload.sendAtMs"
	payload := map[string]any{"sendAtMs": float64(testNow.Add(time.Minute).UnixMilli())}

	d, err := s.ComputeDelayed(context.Background(), script, payload, Context{})
	require.NoError(t, err)
	assert.False(t, d.Overdue)
}

func TestComputeRecurringValid(t *testing.T) {
	s := newTestScheduler()
	first := testNow.Add(time.Hour)
	script := fmt.Sprintf(
		`return {firstOccurrence = %d, intervalMs = 3600000, maxOccurrences = 5}`,
		first.UnixMilli())

	r, err := s.ComputeRecurring(context.Background(), script, nil, Context{})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, r.Interval)
	assert.Equal(t, 5, r.MaxOccurrences)
	assert.Nil(t, r.EndDate)
}

func TestComputeRecurringMissingBoundsRejected(t *testing.T) {
	s := newTestScheduler()
	script := fmt.Sprintf(`return {firstOccurrence = %d, intervalMs = 3600000}`,
		testNow.Add(time.Hour).UnixMilli())

	_, err := s.ComputeRecurring(context.Background(), script, nil, Context{})
	require.Error(t, err)
	assert.Equal(t, "INVALID_CONFIG", fault.CodeOf(err))
	assert.Contains(t, err.Error(), "maxOccurrences or endDate")
}

func TestComputeRecurringIntervalTooShort(t *testing.T) {
	s := newTestScheduler()
	script := fmt.Sprintf(
		`return {firstOccurrence = %d, intervalMs = 1000, maxOccurrences = 3}`,
		testNow.Add(time.Hour).UnixMilli())

	_, err := s.ComputeRecurring(context.Background(), script, nil, Context{})
	assert.Equal(t, "INVALID_CONFIG", fault.CodeOf(err))
}

func TestComputeRecurringOccurrenceBounds(t *testing.T) {
	s := newTestScheduler()
	for _, n := range []int{1, 366} {
		script := fmt.Sprintf(
			`return {firstOccurrence = %d, intervalMs = 3600000, maxOccurrences = %d}`,
			testNow.Add(time.Hour).UnixMilli(), n)
		_, err := s.ComputeRecurring(context.Background(), script, nil, Context{})
		assert.Equal(t, "INVALID_CONFIG", fault.CodeOf(err), "maxOccurrences=%d", n)
	}
}

func TestComputeScriptThrow(t *testing.T) {
	s := newTestScheduler()
	_, err := s.ComputeDelayed(context.Background(), `error("boom")`, nil, Context{})
	assert.Equal(t, fault.Transformation, fault.CategoryOf(err))
	assert.Equal(t, "SCRIPT_THREW", fault.CodeOf(err))
}

func TestDryRunDelayed(t *testing.T) {
	s := newTestScheduler()
	script := fmt.Sprintf("return %d", testNow.Add(2*time.Hour).UnixMilli())

	p, err := s.DryRun(context.Background(), "DELAYED", script, nil, Context{})
	require.NoError(t, err)
	assert.Equal(t, "DELAYED", p.Mode)
	assert.False(t, p.Overdue)
	assert.Equal(t, "2h0m0s", p.DelayFromNow)
}

func TestDryRunRecurringPreviewsOccurrences(t *testing.T) {
	s := newTestScheduler()
	first := testNow.Add(time.Hour)
	script := fmt.Sprintf(
		`return {firstOccurrence = %d, intervalMs = 3600000, maxOccurrences = 3}`,
		first.UnixMilli())

	p, err := s.DryRun(context.Background(), "RECURRING", script, nil, Context{})
	require.NoError(t, err)
	require.Len(t, p.Occurrences, 3)
	assert.Equal(t, first.UnixMilli(), p.Occurrences[0].UnixMilli())
	assert.Equal(t, first.Add(2*time.Hour).UnixMilli(), p.Occurrences[2].UnixMilli())
	assert.Equal(t, "3 occurrences", p.Bound)
}

func TestSweeperFiresDueDelayed(t *testing.T) {
	store := NewMemStore()
	pub := event.NewMemPublisher()
	sw := NewSweeperWithClock(store, pub, "delivery_tasks", func() time.Time { return testNow })
	ctx := context.Background()

	due := NewPendingFromDelayed("org-1", "int-1", "evt-1", "invoice.created",
		json.RawMessage(`{"id":1}`), &Delayed{RunAt: testNow.Add(-time.Minute), Overdue: true})
	notDue := NewPendingFromDelayed("org-1", "int-1", "evt-2", "invoice.created",
		json.RawMessage(`{"id":2}`), &Delayed{RunAt: testNow.Add(time.Hour)})
	require.NoError(t, store.Insert(ctx, due))
	require.NoError(t, store.Insert(ctx, notDue))

	fired, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	tasks := pub.Tasks["delivery_tasks"]
	require.Len(t, tasks, 1)
	assert.Equal(t, "evt-1", tasks[0].Event.ID)
	assert.Equal(t, "SCHEDULED", tasks[0].Trigger)

	got, _ := store.GetByID(ctx, due.ID)
	assert.Equal(t, StatusSent, got.Status)
	still, _ := store.GetByID(ctx, notDue.ID)
	assert.Equal(t, StatusPending, still.Status)
}

func TestSweeperAdvancesRecurring(t *testing.T) {
	store := NewMemStore()
	pub := event.NewMemPublisher()
	sw := NewSweeperWithClock(store, pub, "delivery_tasks", func() time.Time { return testNow })
	ctx := context.Background()

	rec := NewPendingFromRecurring("org-1", "int-1", "evt-1", "report.weekly",
		json.RawMessage(`{}`), &Recurring{
			FirstOccurrence: testNow.Add(-time.Minute),
			Interval:        time.Hour,
			MaxOccurrences:  3,
		})
	require.NoError(t, store.Insert(ctx, rec))

	fired, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	got, _ := store.GetByID(ctx, rec.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 2, got.Remaining)
	assert.True(t, got.ScheduledFor.After(testNow))
}

func TestSweeperFinalOccurrenceMarksSent(t *testing.T) {
	store := NewMemStore()
	pub := event.NewMemPublisher()
	sw := NewSweeperWithClock(store, pub, "delivery_tasks", func() time.Time { return testNow })
	ctx := context.Background()

	rec := NewPendingFromRecurring("org-1", "int-1", "evt-1", "report.weekly",
		json.RawMessage(`{}`), &Recurring{
			FirstOccurrence: testNow.Add(-time.Minute),
			Interval:        time.Hour,
			MaxOccurrences:  2,
		})
	rec.Remaining = 1
	require.NoError(t, store.Insert(ctx, rec))

	_, err := sw.Sweep(ctx)
	require.NoError(t, err)
	got, _ := store.GetByID(ctx, rec.ID)
	assert.Equal(t, StatusSent, got.Status)
}

func TestCancelAndReschedule(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	p := NewPendingFromDelayed("org-1", "int-1", "evt-1", "x",
		json.RawMessage(`{}`), &Delayed{RunAt: testNow.Add(time.Hour)})
	require.NoError(t, store.Insert(ctx, p))

	newTime := testNow.Add(2 * time.Hour)
	require.NoError(t, store.Reschedule(ctx, p.ID, newTime))
	got, _ := store.GetByID(ctx, p.ID)
	assert.Equal(t, newTime, got.ScheduledFor)

	require.NoError(t, store.Cancel(ctx, p.ID))
	got, _ = store.GetByID(ctx, p.ID)
	assert.Equal(t, StatusCancelled, got.Status)

	// Fired or cancelled rows cannot be edited.
	err := store.Reschedule(ctx, p.ID, testNow.Add(3*time.Hour))
	assert.Equal(t, "SCHEDULE_NOT_EDITABLE", fault.CodeOf(err))
}
