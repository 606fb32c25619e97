package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/calebmorten/eventgate/internal/fault"
)

// Event is the normalized envelope every source (HTTP, broker, database
// poller) produces before anything downstream sees it.
type Event struct {
	ID         string            `json:"id"`
	OrgID      string            `json:"orgId"`
	EventType  string            `json:"eventType"`
	SourceID   string            `json:"sourceId,omitempty"`
	Query      map[string]string `json:"query,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Payload    json.RawMessage   `json:"payload"`
	ReceivedAt time.Time         `json:"receivedAt"`
}

// New normalizes raw input into an Event, stamping id and receipt time.
func New(orgID, eventType string, payload json.RawMessage) Event {
	return Event{
		ID:         uuid.NewString(),
		OrgID:      orgID,
		EventType:  eventType,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
}

// Validate rejects events that cannot be routed.
func (e Event) Validate() error {
	if e.OrgID == "" {
		return fault.New(fault.Validation, "MISSING_ORG", "event is missing org id")
	}
	if e.EventType == "" {
		return fault.New(fault.Validation, "MISSING_EVENT_TYPE", "event is missing event type")
	}
	if len(e.Payload) == 0 {
		return fault.New(fault.Validation, "EMPTY_PAYLOAD", "event payload is empty")
	}
	if !json.Valid(e.Payload) {
		return fault.New(fault.Validation, "INVALID_PAYLOAD", "event payload is not valid JSON")
	}
	return nil
}

// Task is the unit of work queued for workers: one event bound to one
// integration. TraceHeaders carry W3C trace context across the queue hop.
type Task struct {
	Event         Event             `json:"event"`
	IntegrationID string            `json:"integrationId"`
	ActionID      string            `json:"actionId,omitempty"`
	ReplayOf      string            `json:"replayOf,omitempty"`
	PrimaryOnly   bool              `json:"primaryOnly,omitempty"` // deliver the primary target, skip actions
	Trigger       string            `json:"trigger,omitempty"`
	Attempt       int               `json:"attempt"`
	TraceHeaders  map[string]string `json:"traceHeaders,omitempty"`
}

// Encode serializes the task for the queue.
func (t Task) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTask parses a queued task body.
func DecodeTask(body []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(body, &t); err != nil {
		return Task{}, fault.Wrap(fault.Validation, "MALFORMED_TASK", err, "task body is not valid JSON")
	}
	return t, nil
}

// DeadLetter wraps an exhausted task with the failure that killed it.
type DeadLetter struct {
	Task          Task      `json:"task"`
	AttemptID     string    `json:"attemptId,omitempty"`
	ErrorCategory string    `json:"errorCategory"`
	ErrorCode     string    `json:"errorCode"`
	ErrorMessage  string    `json:"errorMessage"`
	Attempts      int       `json:"attempts"`
	FailedAt      time.Time `json:"failedAt"`
}

// NewDeadLetter builds the DLQ envelope from the task and its terminal error.
func NewDeadLetter(t Task, attemptID string, attempts int, err error) DeadLetter {
	dl := DeadLetter{
		Task:      t,
		AttemptID: attemptID,
		Attempts:  attempts,
		FailedAt:  time.Now().UTC(),
	}
	if err != nil {
		dl.ErrorCategory = string(fault.CategoryOf(err))
		dl.ErrorCode = fault.CodeOf(err)
		dl.ErrorMessage = err.Error()
	}
	return dl
}

// Encode serializes the dead letter for the DLQ topic.
func (d DeadLetter) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// DecodeDeadLetter parses a DLQ message body.
func DecodeDeadLetter(body []byte) (DeadLetter, error) {
	var d DeadLetter
	if err := json.Unmarshal(body, &d); err != nil {
		return DeadLetter{}, fault.Wrap(fault.Validation, "MALFORMED_DEAD_LETTER", err, "dead letter body is not valid JSON")
	}
	return d, nil
}
