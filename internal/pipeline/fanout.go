package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/calebmorten/eventgate/internal/event"
	"github.com/calebmorten/eventgate/internal/execlog"
	"github.com/calebmorten/eventgate/internal/executor"
	"github.com/calebmorten/eventgate/internal/fault"
	"github.com/calebmorten/eventgate/internal/integration"
	"github.com/calebmorten/eventgate/internal/metrics"
	"github.com/calebmorten/eventgate/internal/tracing"
	"github.com/calebmorten/eventgate/internal/transform"
)

// DeliverAll runs the primary target (when configured) and every action.
// Each target is an independent attempt: one failing never stops the others.
func (p *Pipeline) DeliverAll(ctx context.Context, task event.Task, integ *integration.Integration) []Result {
	var results []Result
	if integ.TargetURL != "" {
		results = append(results, p.Deliver(ctx, task, integ))
	}
	for i := range integ.Actions {
		results = append(results, p.DeliverAction(ctx, task, integ, &integ.Actions[i]))
	}
	return results
}

// DeliverAction runs one fan-out action under its own attempt record.
func (p *Pipeline) DeliverAction(ctx context.Context, task event.Task, integ *integration.Integration, action *integration.Action) Result {
	ctx, span := tracing.StartSpan(ctx, "pipeline.DeliverAction")
	defer span.End()

	trigger := execlog.Trigger(task.Trigger)
	if trigger == "" {
		trigger = execlog.TriggerEvent
	}
	evt := task.Event
	attempt := p.attempts.Start(ctx, execlog.Meta{
		TraceID:       tracing.GetTraceID(ctx),
		OrgID:         evt.OrgID,
		EventID:       evt.ID,
		IntegrationID: integ.ID,
		ActionID:      action.ID,
		ReplayOf:      task.ReplayOf,
		Direction:     string(integ.Direction),
		Trigger:       trigger,
		Event:         &evt,
	})
	attempt.Running(ctx)
	started := time.Now()

	res := p.runAction(ctx, attempt, task, integ, action)
	res.AttemptID = attempt.ID()
	res.ActionID = action.ID
	res.Status = attempt.Snapshot().Status
	metrics.RecordDelivery(string(res.Status), evt.OrgID, time.Since(started))
	return res
}

func (p *Pipeline) runAction(ctx context.Context, attempt *execlog.Attempt, task event.Task, integ *integration.Integration, action *integration.Action) Result {
	// Every action counts against the integration's shared window,
	// COMMUNICATION sends included.
	if denied := p.rateLimit(ctx, attempt, integ); denied != nil {
		return *denied
	}

	evt := task.Event
	tctx := transform.Context{
		EventType: evt.EventType,
		OrgID:     evt.OrgID,
		Query:     evt.Query,
		Headers:   evt.Headers,
	}

	stepStart := time.Now()
	var payload any
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		ferr := fault.Wrap(fault.Validation, "INVALID_PAYLOAD", err, "event payload is not valid JSON")
		attempt.AddStep(ctx, execlog.StepRequestTransform, "failed", time.Since(stepStart), nil, ferr)
		attempt.Fail(ctx, ferr, nil)
		return Result{Err: ferr}
	}
	transformed, err := p.transformer.Request(ctx, action.Request, payload, tctx)
	if err != nil {
		attempt.AddStep(ctx, execlog.StepRequestTransform, "failed", time.Since(stepStart), nil, err)
		attempt.Fail(ctx, err, nil)
		return Result{Err: err}
	}
	attempt.AddStep(ctx, execlog.StepRequestTransform, "success", time.Since(stepStart), nil, nil)

	if action.Kind == integration.ActionCommunication {
		return p.sendCommunication(ctx, attempt, evt, action, transformed)
	}

	stepStart = time.Now()
	headers, err := p.auth.Build(ctx, integ)
	if err != nil {
		attempt.AddStep(ctx, execlog.StepAuth, "failed", time.Since(stepStart), nil, err)
		attempt.Fail(ctx, err, nil)
		return Result{Err: err}
	}
	attempt.AddStep(ctx, execlog.StepAuth, "success", time.Since(stepStart), nil, nil)

	body, err := json.Marshal(transformed)
	if err != nil {
		ferr := fault.Wrap(fault.Transformation, "UNSERIALIZABLE_RESULT", err, "transformed payload is not serializable")
		attempt.Fail(ctx, ferr, nil)
		return Result{Err: ferr}
	}

	actionInteg := *integ
	actionInteg.TargetURL = action.TargetURL
	actionInteg.Method = action.Method
	outcome, attemptsMade := p.execute(ctx, attempt, &actionInteg, body, headers)
	attempt.SetAttempts(attemptsMade)

	if !outcome.Succeeded() {
		ferr := outcome.Fault()
		if outcome.Class == executor.ClassTimeout {
			attempt.Timeout(ctx, ferr)
		} else {
			attempt.Fail(ctx, ferr, &execlog.ResponseSnapshot{StatusCode: outcome.StatusCode, Body: outcome.Body})
		}
		actionTask := task
		actionTask.ActionID = action.ID
		p.deadLetter(ctx, actionTask, attempt, attemptsMade, ferr, integ)
		return Result{Attempts: attemptsMade, Err: ferr}
	}

	snapshot := execlog.ResponseSnapshot{StatusCode: outcome.StatusCode, Body: outcome.Body}
	attempt.Success(ctx, snapshot)
	return Result{Attempts: attemptsMade, Response: &snapshot}
}

func (p *Pipeline) sendCommunication(ctx context.Context, attempt *execlog.Attempt, evt event.Event, action *integration.Action, payload any) Result {
	stepStart := time.Now()
	msgID, err := p.registry.Send(ctx, action.Channel, action.Provider, executor.Message{
		OrgID:   evt.OrgID,
		Channel: action.Channel,
		Payload: payload,
	})
	if err != nil {
		attempt.AddStep(ctx, execlog.StepHTTPCall, "failed", time.Since(stepStart), nil, err)
		attempt.Fail(ctx, err, nil)
		return Result{Attempts: 1, Err: err}
	}
	attempt.AddStep(ctx, execlog.StepHTTPCall, "success", time.Since(stepStart),
		map[string]any{"message_id": msgID, "channel": action.Channel}, nil)
	attempt.SetAttempts(1)
	snapshot := execlog.ResponseSnapshot{StatusCode: 200, Body: msgID}
	attempt.Success(ctx, snapshot)
	return Result{Attempts: 1, Response: &snapshot}
}
