package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calebmorten/eventgate/internal/event"
	"github.com/calebmorten/eventgate/internal/execlog"
	"github.com/calebmorten/eventgate/internal/fault"
	"github.com/calebmorten/eventgate/internal/pipeline"
)

func limitedResult(actionID string, after time.Duration) pipeline.Result {
	return pipeline.Result{
		ActionID:   actionID,
		Status:     execlog.StatusFailed,
		RetryAfter: after,
		Err:        fault.New(fault.RateLimited, "RATE_LIMITED", "window exhausted"),
	}
}

func okResult(actionID string) pipeline.Result {
	return pipeline.Result{ActionID: actionID, Status: execlog.StatusSuccess}
}

func fanoutTask() event.Task {
	return event.Task{Event: event.Event{ID: "evt-1", OrgID: "org-1"}, IntegrationID: "int-1"}
}

func TestDeferRateLimitedFanOutDefersOnlyDeniedAction(t *testing.T) {
	pub := event.NewMemPublisher()

	delay, err := deferRateLimited(context.Background(), pub, "delivery_tasks", fanoutTask(),
		[]pipeline.Result{okResult(""), limitedResult("act-b", 5*time.Second)})
	require.NoError(t, err)
	assert.Zero(t, delay, "fan-out never requeues the whole message")

	deferred := pub.Deferred["delivery_tasks"]
	require.Len(t, deferred, 1)
	assert.Equal(t, "act-b", deferred[0].ActionID)
	assert.False(t, deferred[0].PrimaryOnly)
}

func TestDeferRateLimitedFanOutDefersPrimarySeparately(t *testing.T) {
	pub := event.NewMemPublisher()

	delay, err := deferRateLimited(context.Background(), pub, "delivery_tasks", fanoutTask(),
		[]pipeline.Result{limitedResult("", 3*time.Second), okResult("act-b")})
	require.NoError(t, err)
	assert.Zero(t, delay)

	deferred := pub.Deferred["delivery_tasks"]
	require.Len(t, deferred, 1)
	assert.Empty(t, deferred[0].ActionID)
	assert.True(t, deferred[0].PrimaryOnly, "the deferred primary task must not re-run the actions")
}

func TestDeferRateLimitedSingleTargetRequeuesMessage(t *testing.T) {
	pub := event.NewMemPublisher()
	task := fanoutTask()
	task.ActionID = "act-b"

	delay, err := deferRateLimited(context.Background(), pub, "delivery_tasks", task,
		[]pipeline.Result{limitedResult("act-b", 7*time.Second)})
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, delay)
	assert.Empty(t, pub.Deferred["delivery_tasks"], "single-target tasks ride the message requeue")
}

func TestDeferRateLimitedNothingDenied(t *testing.T) {
	pub := event.NewMemPublisher()

	delay, err := deferRateLimited(context.Background(), pub, "delivery_tasks", fanoutTask(),
		[]pipeline.Result{okResult(""), okResult("act-b")})
	require.NoError(t, err)
	assert.Zero(t, delay)
	assert.Empty(t, pub.Deferred["delivery_tasks"])
}

type failingDeferPublisher struct {
	*event.MemPublisher
}

func (p failingDeferPublisher) DeferTask(context.Context, string, event.Task, time.Duration) error {
	return errors.New("nsqd unreachable")
}

func TestDeferRateLimitedPublishFailureFallsBackToRequeue(t *testing.T) {
	pub := failingDeferPublisher{event.NewMemPublisher()}

	delay, err := deferRateLimited(context.Background(), pub, "delivery_tasks", fanoutTask(),
		[]pipeline.Result{okResult(""), limitedResult("act-b", 4*time.Second)})
	require.Error(t, err)
	assert.Equal(t, 4*time.Second, delay, "the message requeue keeps the denied target alive")
}
