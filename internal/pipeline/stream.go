package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/calebmorten/eventgate/internal/event"
	"github.com/calebmorten/eventgate/internal/execlog"
	"github.com/calebmorten/eventgate/internal/executor"
	"github.com/calebmorten/eventgate/internal/fault"
	"github.com/calebmorten/eventgate/internal/integration"
	"github.com/calebmorten/eventgate/internal/metrics"
	"github.com/calebmorten/eventgate/internal/tracing"
)

// StreamedBodyMarker is what the execution log records instead of a streamed
// body. Streamed responses are never buffered and never response-transformed.
const StreamedBodyMarker = "[STREAMED]"

// Stream proxies a caller's request through the integration target, piping
// the upstream body straight back. Rate limiting and auth still apply; the
// retry loop does not, because bytes may already be on the wire.
func (p *Pipeline) Stream(ctx context.Context, evt event.Event, integ *integration.Integration, body []byte, callerHeaders http.Header, sink executor.StreamSink) Result {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Stream")
	defer span.End()

	attempt := p.attempts.Start(ctx, execlog.Meta{
		TraceID:       tracing.GetTraceID(ctx),
		OrgID:         evt.OrgID,
		EventID:       evt.ID,
		IntegrationID: integ.ID,
		Direction:     string(integ.Direction),
		Trigger:       execlog.TriggerEvent,
		Event:         &evt,
	})
	attempt.Running(ctx)
	started := time.Now()

	res := p.runStream(ctx, attempt, evt, integ, body, callerHeaders, sink)
	res.AttemptID = attempt.ID()
	res.Status = attempt.Snapshot().Status
	metrics.RecordDelivery(string(res.Status), evt.OrgID, time.Since(started))
	return res
}

func (p *Pipeline) runStream(ctx context.Context, attempt *execlog.Attempt, evt event.Event, integ *integration.Integration, body []byte, callerHeaders http.Header, sink executor.StreamSink) Result {
	stepStart := time.Now()
	decision, err := p.limiter.Check(ctx, integ)
	if err != nil {
		attempt.AddStep(ctx, execlog.StepRateLimit, "failed", time.Since(stepStart), nil, err)
		ferr := fault.Wrap(fault.Internal, "RATE_LIMIT_STORE", err, "rate limit check failed")
		attempt.Fail(ctx, ferr, nil)
		return Result{Err: ferr}
	}
	if !decision.Allowed {
		ferr := fault.New(fault.RateLimited, "RATE_LIMITED",
			"integration %s exceeded %d requests per %ds window",
			integ.ID, integ.RateLimit.MaxRequests, integ.RateLimit.WindowSeconds)
		attempt.AddStep(ctx, execlog.StepRateLimit, "failed", time.Since(stepStart), nil, ferr)
		attempt.Fail(ctx, ferr, nil)
		return Result{Err: ferr, RetryAfter: decision.RetryAfter}
	}
	attempt.AddStep(ctx, execlog.StepRateLimit, "success", time.Since(stepStart), nil, nil)

	stepStart = time.Now()
	authHeaders, err := p.auth.Build(ctx, integ)
	if err != nil {
		attempt.AddStep(ctx, execlog.StepAuth, "failed", time.Since(stepStart), nil, err)
		attempt.Fail(ctx, err, nil)
		return Result{Err: err}
	}
	attempt.AddStep(ctx, execlog.StepAuth, "success", time.Since(stepStart), nil, nil)

	// Caller headers (minus hop-by-hop) travel upstream; auth wins conflicts.
	headers := executor.FilterHeaders(callerHeaders)
	for k, vs := range authHeaders {
		headers.Del(k)
		for _, v := range vs {
			headers.Add(k, v)
		}
	}

	stepStart = time.Now()
	target := executor.Target{URL: integ.TargetURL, Method: integ.Method, Timeout: integ.Timeout()}
	sres := p.exec.Stream(ctx, target, body, headers, sink)
	meta := map[string]any{
		"status":       sres.StatusCode,
		"bytes_copied": sres.BytesCopied,
		"headers_sent": sres.HeadersSent,
	}
	attempt.SetAttempts(1)

	if sres.Err != nil && !sres.HeadersSent {
		// Failed before anything hit the wire; a clean error is still possible.
		attempt.AddStep(ctx, execlog.StepStreaming, "failed", time.Since(stepStart), meta, sres.Err)
		attempt.Fail(ctx, sres.Err, nil)
		return Result{Attempts: 1, Err: sres.Err}
	}

	snapshot := execlog.ResponseSnapshot{StatusCode: sres.StatusCode, Body: StreamedBodyMarker}
	if sres.Err != nil {
		// Mid-stream failure: recorded, stream already terminated.
		attempt.AddStep(ctx, execlog.StepStreaming, "failed", time.Since(stepStart), meta, sres.Err)
		attempt.Fail(ctx, sres.Err, &snapshot)
		return Result{Attempts: 1, Response: &snapshot, Err: sres.Err}
	}

	attempt.AddStep(ctx, execlog.StepStreaming, "success", time.Since(stepStart), meta, nil)
	attempt.Success(ctx, snapshot)
	return Result{Attempts: 1, Response: &snapshot}
}
