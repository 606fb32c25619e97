package execlog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calebmorten/eventgate/internal/event"
	"github.com/calebmorten/eventgate/internal/fault"
	"github.com/calebmorten/eventgate/internal/logging"
)

// Status of one logical delivery attempt.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

// Trigger describes what started the attempt.
type Trigger string

const (
	TriggerEvent     Trigger = "EVENT"
	TriggerManual    Trigger = "MANUAL"
	TriggerScheduled Trigger = "SCHEDULED"
)

// Step names in pipeline order.
const (
	StepRateLimit         = "rate_limit"
	StepRequestTransform  = "request_transform"
	StepAuth              = "auth"
	StepHTTPCall          = "http_call"
	StepStreaming         = "streaming"
	StepResponseTransform = "response_transform"
)

// Step is one recorded pipeline stage.
type Step struct {
	Name       string         `json:"name"`
	Status     string         `json:"status"` // success | failed | skipped
	DurationMs int64          `json:"durationMs"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// ResponseSnapshot is the retained upstream reply.
type ResponseSnapshot struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"` // masked/capped upstream body, or [STREAMED]
}

// Record is one delivery attempt's audit trail.
type Record struct {
	ID            string            `json:"id"`
	TraceID       string            `json:"traceId,omitempty"`
	OrgID         string            `json:"orgId"`
	EventID       string            `json:"eventId"`
	IntegrationID string            `json:"integrationId"`
	ActionID      string            `json:"actionId,omitempty"`
	ReplayOf      string            `json:"replayOf,omitempty"`
	Direction     string            `json:"direction"`
	Trigger       Trigger           `json:"trigger"`
	Event         *event.Event      `json:"event,omitempty"` // retained for replay
	Status        Status            `json:"status"`
	Steps         []Step            `json:"steps"`
	Response      *ResponseSnapshot `json:"response,omitempty"`
	Attempts      int               `json:"attempts"`
	ErrorCategory string            `json:"errorCategory,omitempty"`
	ErrorCode     string            `json:"errorCode,omitempty"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
	StartedAt     time.Time         `json:"startedAt"`
	FinishedAt    *time.Time        `json:"finishedAt,omitempty"`
}

// Store persists attempt records. Implementations must tolerate being called
// repeatedly with the same record id (create then updates).
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record) error
	GetByID(ctx context.Context, id string) (*Record, error)
	HasReplay(ctx context.Context, originalID string) (bool, error)
	// ListRetryable returns failed attempts eligible for the periodic retry
	// sweep: finalized with a retryable error before cutoff, retaining their
	// event, not parked in the DLQ, and not yet replayed.
	ListRetryable(ctx context.Context, cutoff time.Time, limit int) ([]Record, error)
}

// Meta seeds a new attempt record.
type Meta struct {
	TraceID       string
	OrgID         string
	EventID       string
	IntegrationID string
	ActionID      string
	ReplayOf      string
	Direction     string
	Trigger       Trigger
	Event         *event.Event
}

// Logger writes attempt records best-effort: a broken log store never
// changes the outcome of the delivery itself.
type Logger struct {
	store Store
	log   *logging.Logger
}

func New(store Store) *Logger {
	return &Logger{store: store, log: logging.New("eventgate-execlog")}
}

// Start opens a new attempt record in the queued state.
func (l *Logger) Start(ctx context.Context, meta Meta) *Attempt {
	rec := Record{
		ID:            uuid.NewString(),
		TraceID:       meta.TraceID,
		OrgID:         meta.OrgID,
		EventID:       meta.EventID,
		IntegrationID: meta.IntegrationID,
		ActionID:      meta.ActionID,
		ReplayOf:      meta.ReplayOf,
		Direction:     meta.Direction,
		Trigger:       meta.Trigger,
		Event:         meta.Event,
		Status:        StatusQueued,
		Attempts:      0,
		StartedAt:     time.Now().UTC(),
	}
	a := &Attempt{rec: rec, logger: l}
	if err := l.store.Create(ctx, &rec); err != nil {
		l.log.WithContext(ctx).WithAttempt(rec.ID).WithError(err).Warn("execution log create failed")
	}
	return a
}

// Attempt accumulates steps for one record and finalizes it exactly once.
type Attempt struct {
	mu        sync.Mutex
	rec       Record
	finalized bool
	logger    *Logger
}

// ID returns the attempt record id.
func (a *Attempt) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rec.ID
}

// Running marks the record as in-flight.
func (a *Attempt) Running(ctx context.Context) {
	a.mu.Lock()
	if !a.finalized {
		a.rec.Status = StatusRunning
	}
	rec := a.rec
	a.mu.Unlock()
	a.flush(ctx, rec)
}

// AddStep appends a step in arrival order. Steps are never reordered or removed.
func (a *Attempt) AddStep(ctx context.Context, name, status string, duration time.Duration, metadata map[string]any, stepErr error) {
	step := Step{
		Name:       name,
		Status:     status,
		DurationMs: duration.Milliseconds(),
		Metadata:   metadata,
	}
	if stepErr != nil {
		step.Error = stepErr.Error()
	}
	a.mu.Lock()
	a.rec.Steps = append(a.rec.Steps, step)
	rec := a.rec
	a.mu.Unlock()
	a.flush(ctx, rec)
}

// SetAttempts records how many outbound calls were made.
func (a *Attempt) SetAttempts(n int) {
	a.mu.Lock()
	a.rec.Attempts = n
	a.mu.Unlock()
}

// Success finalizes the record. A second finalize call is a bug upstream and
// is dropped with a warning.
func (a *Attempt) Success(ctx context.Context, resp ResponseSnapshot) {
	a.finalize(ctx, StatusSuccess, &resp, nil)
}

// Fail finalizes the record as failed with the error taxonomy attached.
func (a *Attempt) Fail(ctx context.Context, err error, resp *ResponseSnapshot) {
	a.finalize(ctx, StatusFailed, resp, err)
}

// Timeout finalizes the record as timed out, distinct from generic failure.
func (a *Attempt) Timeout(ctx context.Context, err error) {
	a.finalize(ctx, StatusTimeout, nil, err)
}

func (a *Attempt) finalize(ctx context.Context, status Status, resp *ResponseSnapshot, err error) {
	a.mu.Lock()
	if a.finalized {
		a.mu.Unlock()
		a.logger.log.WithContext(ctx).WithAttempt(a.rec.ID).Warn("attempt finalized twice, ignoring")
		return
	}
	a.finalized = true
	now := time.Now().UTC()
	a.rec.Status = status
	a.rec.FinishedAt = &now
	if resp != nil {
		a.rec.Response = resp
	}
	if err != nil {
		a.rec.ErrorCategory = string(fault.CategoryOf(err))
		a.rec.ErrorCode = fault.CodeOf(err)
		a.rec.ErrorMessage = err.Error()
	}
	rec := a.rec
	a.mu.Unlock()
	a.flush(ctx, rec)
}

// Snapshot returns a copy of the current record state.
func (a *Attempt) Snapshot() Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec := a.rec
	rec.Steps = append([]Step(nil), a.rec.Steps...)
	return rec
}

// Finalized reports whether a terminal status was recorded.
func (a *Attempt) Finalized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finalized
}

func (a *Attempt) flush(ctx context.Context, rec Record) {
	if err := a.logger.store.Update(ctx, &rec); err != nil {
		a.logger.log.WithContext(ctx).WithAttempt(rec.ID).WithError(err).Warn("execution log update failed")
	}
}
