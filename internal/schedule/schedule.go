package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/calebmorten/eventgate/internal/fault"
	"github.com/calebmorten/eventgate/internal/sandbox"
)

// MinInterval is the floor for recurring intervals.
const MinInterval = 60 * time.Second

// Occurrence count bounds for recurring schedules.
const (
	MinOccurrences = 2
	MaxOccurrences = 365
)

// Context carries event metadata into scheduling scripts.
type Context struct {
	OrgID     string
	EventType string
	Now       time.Time
}

// Delayed is a single future firing. Past timestamps are overdue, not errors.
type Delayed struct {
	RunAt   time.Time
	Overdue bool
}

// Recurring is a validated recurrence description.
type Recurring struct {
	FirstOccurrence time.Time
	Interval        time.Duration
	MaxOccurrences  int        // 0 when unbounded by count
	EndDate         *time.Time // nil when unbounded by date
}

// Result is the outcome of one schedule computation: exactly one of the two
// is set, matching the integration's delivery mode.
type Result struct {
	Delayed   *Delayed
	Recurring *Recurring
}

// Scheduler runs tenant scheduling scripts in the sandbox and validates the
// shape of what they return.
type Scheduler struct {
	runner *sandbox.Runner
	now    func() time.Time
}

func New(runner *sandbox.Runner) *Scheduler {
	return &Scheduler{runner: runner, now: time.Now}
}

// NewWithClock injects a clock for tests.
func NewWithClock(runner *sandbox.Runner, now func() time.Time) *Scheduler {
	return &Scheduler{runner: runner, now: now}
}

// ComputeDelayed runs the script and expects a Unix millisecond timestamp.
func (s *Scheduler) ComputeDelayed(ctx context.Context, script string, payload any, sctx Context) (*Delayed, error) {
	value, err := s.run(ctx, script, payload, sctx)
	if err != nil {
		return nil, err
	}
	ms, ok := asInt64(value)
	if !ok {
		return nil, fault.New(fault.Validation, "INVALID_CONFIG",
			"delayed schedule script must return a unix millisecond timestamp, got %T", value)
	}
	runAt := time.UnixMilli(ms).UTC()
	return &Delayed{RunAt: runAt, Overdue: !runAt.After(s.now())}, nil
}

// ComputeRecurring runs the script and validates the recurrence shape:
// intervalMs >= 60000 and at least one of maxOccurrences (2..365) / endDate.
func (s *Scheduler) ComputeRecurring(ctx context.Context, script string, payload any, sctx Context) (*Recurring, error) {
	value, err := s.run(ctx, script, payload, sctx)
	if err != nil {
		return nil, err
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return nil, fault.New(fault.Validation, "INVALID_CONFIG",
			"recurring schedule script must return an object, got %T", value)
	}

	first, ok := asInt64(obj["firstOccurrence"])
	if !ok {
		return nil, fault.New(fault.Validation, "INVALID_CONFIG",
			"recurring schedule is missing firstOccurrence (unix ms)")
	}
	intervalMs, ok := asInt64(obj["intervalMs"])
	if !ok {
		return nil, fault.New(fault.Validation, "INVALID_CONFIG",
			"recurring schedule is missing intervalMs")
	}
	interval := time.Duration(intervalMs) * time.Millisecond
	if interval < MinInterval {
		return nil, fault.New(fault.Validation, "INVALID_CONFIG",
			"intervalMs must be at least %d, got %d", MinInterval.Milliseconds(), intervalMs)
	}

	rec := &Recurring{
		FirstOccurrence: time.UnixMilli(first).UTC(),
		Interval:        interval,
	}
	if raw, present := obj["maxOccurrences"]; present {
		n, ok := asInt64(raw)
		if !ok || n < MinOccurrences || n > MaxOccurrences {
			return nil, fault.New(fault.Validation, "INVALID_CONFIG",
				"maxOccurrences must be between %d and %d", MinOccurrences, MaxOccurrences)
		}
		rec.MaxOccurrences = int(n)
	}
	if raw, present := obj["endDate"]; present {
		ms, ok := asInt64(raw)
		if !ok {
			return nil, fault.New(fault.Validation, "INVALID_CONFIG",
				"endDate must be a unix millisecond timestamp")
		}
		end := time.UnixMilli(ms).UTC()
		if !end.After(rec.FirstOccurrence) {
			return nil, fault.New(fault.Validation, "INVALID_CONFIG",
				"endDate must be after firstOccurrence")
		}
		rec.EndDate = &end
	}
	if rec.MaxOccurrences == 0 && rec.EndDate == nil {
		return nil, fault.New(fault.Validation, "INVALID_CONFIG",
			"recurring schedule needs maxOccurrences or endDate, got neither")
	}
	return rec, nil
}

// Compute dispatches on mode. Mode strings match integration delivery modes.
func (s *Scheduler) Compute(ctx context.Context, mode, script string, payload any, sctx Context) (Result, error) {
	switch mode {
	case "DELAYED":
		d, err := s.ComputeDelayed(ctx, script, payload, sctx)
		if err != nil {
			return Result{}, err
		}
		return Result{Delayed: d}, nil
	case "RECURRING":
		r, err := s.ComputeRecurring(ctx, script, payload, sctx)
		if err != nil {
			return Result{}, err
		}
		return Result{Recurring: r}, nil
	default:
		return Result{}, fault.New(fault.Validation, "INVALID_CONFIG",
			"delivery mode %q does not use a schedule script", mode)
	}
}

func (s *Scheduler) run(ctx context.Context, script string, payload any, sctx Context) (any, error) {
	now := sctx.Now
	if now.IsZero() {
		now = s.now()
	}
	globals := map[string]any{
		"payload": payload,
		"context": map[string]any{
			"orgId":     sctx.OrgID,
			"eventType": sctx.EventType,
			"nowMs":     now.UnixMilli(),
		},
	}
	value, err := s.runner.Run(ctx, script, globals, nil)
	if err != nil {
		var serr *sandbox.Error
		if errors.As(err, &serr) {
			if serr.Kind == sandbox.KindRuntime {
				return nil, fault.Wrap(fault.Transformation, "SCRIPT_THREW", err, "schedule script failed: %s", serr.Message)
			}
			code := "SCRIPT_TIMEOUT"
			if serr.Kind == sandbox.KindLimitExceeded {
				code = "SCRIPT_LIMIT_EXCEEDED"
			}
			return nil, fault.Wrap(fault.Sandbox, code, err, "%s", serr.Message)
		}
		return nil, err
	}
	return value, nil
}

// Preview is the human-readable dry-run result. Nothing is persisted.
type Preview struct {
	Mode         string      `json:"mode"`
	ScheduledFor *time.Time  `json:"scheduledFor,omitempty"`
	DelayFromNow string      `json:"delayFromNow,omitempty"`
	Overdue      bool        `json:"overdue,omitempty"`
	Occurrences  []time.Time `json:"occurrences,omitempty"`
	Interval     string      `json:"interval,omitempty"`
	Bound        string      `json:"bound,omitempty"`
}

// DryRun runs the script against sample data and describes what would happen.
func (s *Scheduler) DryRun(ctx context.Context, mode, script string, payload any, sctx Context) (*Preview, error) {
	res, err := s.Compute(ctx, mode, script, payload, sctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if res.Delayed != nil {
		p := &Preview{Mode: "DELAYED", ScheduledFor: &res.Delayed.RunAt, Overdue: res.Delayed.Overdue}
		if res.Delayed.Overdue {
			p.DelayFromNow = "overdue, fires immediately"
		} else {
			p.DelayFromNow = res.Delayed.RunAt.Sub(now).Round(time.Second).String()
		}
		return p, nil
	}

	rec := res.Recurring
	p := &Preview{Mode: "RECURRING", Interval: rec.Interval.String()}
	switch {
	case rec.MaxOccurrences > 0 && rec.EndDate != nil:
		p.Bound = fmt.Sprintf("%d occurrences or until %s", rec.MaxOccurrences, rec.EndDate.Format(time.RFC3339))
	case rec.MaxOccurrences > 0:
		p.Bound = fmt.Sprintf("%d occurrences", rec.MaxOccurrences)
	default:
		p.Bound = "until " + rec.EndDate.Format(time.RFC3339)
	}
	next := rec.FirstOccurrence
	for i := 0; i < 5; i++ {
		if rec.MaxOccurrences > 0 && i >= rec.MaxOccurrences {
			break
		}
		if rec.EndDate != nil && next.After(*rec.EndDate) {
			break
		}
		p.Occurrences = append(p.Occurrences, next)
		next = next.Add(rec.Interval)
	}
	return p, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}
