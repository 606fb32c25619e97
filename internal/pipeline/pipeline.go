package pipeline

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"time"

	"github.com/calebmorten/eventgate/internal/authheader"
	"github.com/calebmorten/eventgate/internal/config"
	"github.com/calebmorten/eventgate/internal/dlq"
	"github.com/calebmorten/eventgate/internal/event"
	"github.com/calebmorten/eventgate/internal/execlog"
	"github.com/calebmorten/eventgate/internal/executor"
	"github.com/calebmorten/eventgate/internal/fault"
	"github.com/calebmorten/eventgate/internal/integration"
	"github.com/calebmorten/eventgate/internal/logging"
	"github.com/calebmorten/eventgate/internal/metrics"
	"github.com/calebmorten/eventgate/internal/ratelimit"
	"github.com/calebmorten/eventgate/internal/tracing"
	"github.com/calebmorten/eventgate/internal/transform"
)

// Transformer is the reshaping dependency. *transform.Transformer satisfies it.
type Transformer interface {
	Request(ctx context.Context, tc integration.TransformConfig, payload any, tctx transform.Context) (any, error)
	Response(ctx context.Context, integ *integration.Integration, resp transform.ResponseContext, tctx transform.Context) (any, error)
}

// Result is the outcome of one delivery attempt through the pipeline.
type Result struct {
	AttemptID  string
	ActionID   string // set when the attempt targeted a fan-out action
	Status     execlog.Status
	Attempts   int
	Response   *execlog.ResponseSnapshot
	RetryAfter time.Duration // > 0 when the task should be re-queued later
	Err        error
}

// Pipeline orchestrates one attempt: rate limit, request transform, auth,
// execute with retries, response transform, finalize. Each stage lands in the
// execution log in order.
type Pipeline struct {
	transformer Transformer
	limiter     *ratelimit.Limiter
	auth        *authheader.Builder
	exec        *executor.Executor
	registry    *executor.Registry
	attempts    *execlog.Logger
	logStore    execlog.Store
	dlq         DeadLetterer
	publisher   event.Publisher
	retry       config.Retry
	taskTopic   string
	dlqTopic    string
	publishDLQ  bool
	sleep       func(ctx context.Context, d time.Duration) error
	jitter      func(max time.Duration) time.Duration
	log         *logging.Logger
}

// DeadLetterer parks exhausted deliveries. *dlq.Service satisfies it.
type DeadLetterer interface {
	Park(ctx context.Context, dl event.DeadLetter) (*dlq.Entry, error)
}

// Deps wires the pipeline's collaborators.
type Deps struct {
	Transformer Transformer
	Limiter     *ratelimit.Limiter
	Auth        *authheader.Builder
	Executor    *executor.Executor
	Registry    *executor.Registry
	Attempts    *execlog.Logger
	LogStore    execlog.Store
	DLQ         DeadLetterer
	Publisher   event.Publisher
	Retry       config.Retry
	TaskTopic   string
	DLQTopic    string
	PublishDLQ  bool
}

func New(deps Deps) *Pipeline {
	return &Pipeline{
		transformer: deps.Transformer,
		limiter:     deps.Limiter,
		auth:        deps.Auth,
		exec:        deps.Executor,
		registry:    deps.Registry,
		attempts:    deps.Attempts,
		logStore:    deps.LogStore,
		dlq:         deps.DLQ,
		publisher:   deps.Publisher,
		retry:       deps.Retry,
		taskTopic:   deps.TaskTopic,
		dlqTopic:    deps.DLQTopic,
		publishDLQ:  deps.PublishDLQ,
		sleep:       sleepCtx,
		jitter:      randomJitter,
		log:         logging.New("eventgate-pipeline"),
	}
}

// SetSleep injects the backoff sleeper for tests.
func (p *Pipeline) SetSleep(fn func(ctx context.Context, d time.Duration) error) { p.sleep = fn }

// SetJitter injects the jitter source for tests.
func (p *Pipeline) SetJitter(fn func(max time.Duration) time.Duration) { p.jitter = fn }

// Deliver runs one task against the integration's primary target. Actions
// fan out separately via DeliverAll.
func (p *Pipeline) Deliver(ctx context.Context, task event.Task, integ *integration.Integration) Result {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Deliver")
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
		ReplayOf:      task.ReplayOf,
		Direction:     string(integ.Direction),
		Trigger:       trigger,
		Event:         &evt,
	})
	attempt.Running(ctx)
	started := time.Now()

	res := p.run(ctx, attempt, task, integ)
	res.AttemptID = attempt.ID()
	res.Status = attempt.Snapshot().Status
	metrics.RecordDelivery(string(res.Status), evt.OrgID, time.Since(started))
	return res
}

// rateLimit runs the per-integration window check and records the step.
// A non-nil result means the attempt is denied and already finalized. The
// denied call still counts against the window.
func (p *Pipeline) rateLimit(ctx context.Context, attempt *execlog.Attempt, integ *integration.Integration) *Result {
	stepStart := time.Now()
	decision, err := p.limiter.Check(ctx, integ)
	if err != nil {
		attempt.AddStep(ctx, execlog.StepRateLimit, "failed", time.Since(stepStart), nil, err)
		ferr := fault.Wrap(fault.Internal, "RATE_LIMIT_STORE", err, "rate limit check failed")
		attempt.Fail(ctx, ferr, nil)
		return &Result{Err: ferr}
	}
	if !decision.Allowed {
		ferr := fault.New(fault.RateLimited, "RATE_LIMITED",
			"integration %s exceeded %d requests per %ds window",
			integ.ID, integ.RateLimit.MaxRequests, integ.RateLimit.WindowSeconds)
		attempt.AddStep(ctx, execlog.StepRateLimit, "failed", time.Since(stepStart),
			map[string]any{"retry_after_ms": decision.RetryAfter.Milliseconds()}, ferr)
		attempt.Fail(ctx, ferr, nil)
		return &Result{Err: ferr, RetryAfter: decision.RetryAfter}
	}
	meta := map[string]any{}
	if decision.Remaining != nil {
		meta["remaining"] = *decision.Remaining
	}
	attempt.AddStep(ctx, execlog.StepRateLimit, "success", time.Since(stepStart), meta, nil)
	return nil
}

func (p *Pipeline) run(ctx context.Context, attempt *execlog.Attempt, task event.Task, integ *integration.Integration) Result {
	evt := task.Event

	if denied := p.rateLimit(ctx, attempt, integ); denied != nil {
		return *denied
	}

	// Request transform. A throwing script means zero outbound calls.
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
	transformed, err := p.transformer.Request(ctx, integ.Request, payload, tctx)
	if err != nil {
		attempt.AddStep(ctx, execlog.StepRequestTransform, "failed", time.Since(stepStart), nil, err)
		attempt.Fail(ctx, err, nil)
		return Result{Err: err}
	}
	attempt.AddStep(ctx, execlog.StepRequestTransform, "success", time.Since(stepStart), nil, nil)

	// Auth headers.
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

	// Execute with intra-request retries. The transformed payload is reused;
	// the transformer never runs again inside the loop.
	outcome, attemptsMade := p.execute(ctx, attempt, integ, body, headers)
	attempt.SetAttempts(attemptsMade)

	if !outcome.Succeeded() {
		ferr := outcome.Fault()
		if outcome.Class == executor.ClassTimeout {
			attempt.Timeout(ctx, ferr)
		} else {
			attempt.Fail(ctx, ferr, &execlog.ResponseSnapshot{StatusCode: outcome.StatusCode, Body: outcome.Body})
		}
		p.deadLetter(ctx, task, attempt, attemptsMade, ferr, integ)
		return Result{Attempts: attemptsMade, Err: ferr}
	}

	// Response transform.
	respHeaders := map[string]string{}
	for k := range outcome.Headers {
		respHeaders[k] = outcome.Headers.Get(k)
	}
	var respBody any
	if outcome.Body != "" {
		if err := json.Unmarshal([]byte(outcome.Body), &respBody); err != nil {
			respBody = outcome.Body
		}
	}
	stepStart = time.Now()
	if integ.Response.Mode == integration.TransformSimple || integ.Response.Mode == integration.TransformScript {
		if _, err := p.transformer.Response(ctx, integ, transform.ResponseContext{
			StatusCode: outcome.StatusCode,
			Headers:    respHeaders,
			Body:       respBody,
		}, tctx); err != nil {
			attempt.AddStep(ctx, execlog.StepResponseTransform, "failed", time.Since(stepStart), nil, err)
			attempt.Fail(ctx, err, &execlog.ResponseSnapshot{StatusCode: outcome.StatusCode, Body: outcome.Body})
			return Result{Attempts: attemptsMade, Err: err}
		}
		attempt.AddStep(ctx, execlog.StepResponseTransform, "success", time.Since(stepStart), nil, nil)
	}

	snapshot := execlog.ResponseSnapshot{StatusCode: outcome.StatusCode, Body: outcome.Body}
	attempt.Success(ctx, snapshot)
	return Result{Attempts: attemptsMade, Response: &snapshot}
}

// execute runs the retry loop. maxAttempts = retries + the initial call.
func (p *Pipeline) execute(ctx context.Context, attempt *execlog.Attempt, integ *integration.Integration, body []byte, headers http.Header) (executor.Outcome, int) {
	maxAttempts := integ.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	target := executor.Target{URL: integ.TargetURL, Method: integ.Method, Timeout: integ.Timeout()}

	var outcome executor.Outcome
	for n := 1; n <= maxAttempts; n++ {
		stepStart := time.Now()
		outcome = p.exec.Execute(ctx, target, body, headers)
		meta := map[string]any{"attempt": n, "status": outcome.StatusCode, "class": string(outcome.Class)}
		status := "success"
		if !outcome.Succeeded() {
			status = "failed"
		}
		attempt.AddStep(ctx, execlog.StepHTTPCall, status, time.Since(stepStart), meta, outcome.Err)

		if outcome.Succeeded() || outcome.Class == executor.ClassClientError {
			return outcome, n
		}
		if n == maxAttempts {
			return outcome, n
		}
		metrics.RecordRetry(executor.RetryReason(outcome))
		if err := p.sleep(ctx, p.Backoff(n)); err != nil {
			return outcome, n
		}
	}
	return outcome, maxAttempts
}

// Backoff computes the delay before retry n+1:
// min(base * 2^(n-1), cap) plus additive jitter.
func (p *Pipeline) Backoff(n int) time.Duration {
	d := p.retry.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= p.retry.MaxDelay {
			d = p.retry.MaxDelay
			break
		}
	}
	if d > p.retry.MaxDelay {
		d = p.retry.MaxDelay
	}
	return d + p.jitter(p.retry.JitterMax)
}

func (p *Pipeline) deadLetter(ctx context.Context, task event.Task, attempt *execlog.Attempt, attempts int, ferr error, integ *integration.Integration) {
	if !integ.CreateDLQ || p.dlq == nil {
		return
	}
	if !fault.Retryable(ferr) {
		return
	}
	dl := event.NewDeadLetter(task, attempt.ID(), attempts, ferr)
	if _, err := p.dlq.Park(ctx, dl); err != nil {
		p.log.WithContext(ctx).WithOrg(task.Event.OrgID).WithError(err).Error("failed to park dead letter")
	}
	if p.publishDLQ && p.publisher != nil {
		if err := p.publisher.PublishDeadLetter(ctx, p.dlqTopic, dl); err != nil {
			p.log.WithContext(ctx).WithOrg(task.Event.OrgID).WithError(err).Error("failed to publish dead letter")
		}
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max) + 1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
