package dlq

import (
	"context"
	"time"

	"github.com/calebmorten/eventgate/internal/event"
	"github.com/calebmorten/eventgate/internal/fault"
	"github.com/calebmorten/eventgate/internal/logging"
	"github.com/calebmorten/eventgate/internal/metrics"
)

// Status of a dead-letter entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusResolved  Status = "resolved"
	StatusAbandoned Status = "abandoned"
	StatusFailed    Status = "failed" // a retry from the DLQ exhausted again
)

// Entry is one parked delivery.
type Entry struct {
	ID            string     `json:"id"`
	OrgID         string     `json:"orgId"`
	EventID       string     `json:"eventId"`
	IntegrationID string     `json:"integrationId"`
	AttemptID     string     `json:"attemptId,omitempty"`
	Task          event.Task `json:"task"`
	ErrorCategory string     `json:"errorCategory"`
	ErrorCode     string     `json:"errorCode"`
	ErrorMessage  string     `json:"errorMessage"`
	Attempts      int        `json:"attempts"`
	Status        Status     `json:"status"`
	Notes         string     `json:"notes,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Filter narrows List calls.
type Filter struct {
	OrgID         string
	IntegrationID string
	Status        Status
	Limit         int
}

// Store persists DLQ entries.
type Store interface {
	Insert(ctx context.Context, e *Entry) error
	GetByID(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context, f Filter) ([]Entry, error)
	SetStatus(ctx context.Context, id string, status Status, notes string) error
	Delete(ctx context.Context, id string) error
}

// BulkResult reports a bulk operation per id. One bad id never aborts the rest.
type BulkResult struct {
	Succeeded []string          `json:"succeeded"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Service owns DLQ lifecycle: park, retry, abandon, resolve, delete.
type Service struct {
	store     Store
	publisher event.Publisher
	taskTopic string
	log       *logging.Logger
}

func NewService(store Store, publisher event.Publisher, taskTopic string) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		taskTopic: taskTopic,
		log:       logging.New("eventgate-dlq"),
	}
}

// Park records an exhausted delivery as a pending entry.
func (s *Service) Park(ctx context.Context, dl event.DeadLetter) (*Entry, error) {
	e := &Entry{
		ID:            dl.Task.Event.ID + ":" + dl.Task.IntegrationID,
		OrgID:         dl.Task.Event.OrgID,
		EventID:       dl.Task.Event.ID,
		IntegrationID: dl.Task.IntegrationID,
		AttemptID:     dl.AttemptID,
		Task:          dl.Task,
		ErrorCategory: dl.ErrorCategory,
		ErrorCode:     dl.ErrorCode,
		ErrorMessage:  dl.ErrorMessage,
		Attempts:      dl.Attempts,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	if err := s.store.Insert(ctx, e); err != nil {
		return nil, err
	}
	metrics.RecordDLQ(e.ErrorCategory)
	s.log.WithContext(ctx).WithOrg(e.OrgID).WithEvent(e.EventID).WithIntegration(e.IntegrationID).
		WithField("error_code", e.ErrorCode).Warn("delivery parked in DLQ")
	return e, nil
}

// Retry re-enqueues a pending or failed entry as a fresh attempt.
func (s *Service) Retry(ctx context.Context, id string) error {
	e, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != StatusPending && e.Status != StatusFailed {
		return fault.New(fault.Validation, "INVALID_DLQ_STATE",
			"entry %s is %s, only pending or failed entries can be retried", id, e.Status)
	}
	task := e.Task
	task.Attempt = 0
	task.Trigger = "MANUAL"
	if err := s.publisher.PublishTask(ctx, s.taskTopic, task); err != nil {
		return err
	}
	if err := s.store.SetStatus(ctx, id, StatusRetrying, ""); err != nil {
		return err
	}
	s.log.WithContext(ctx).WithOrg(e.OrgID).WithEvent(e.EventID).Info("DLQ entry re-enqueued")
	return nil
}

// Abandon marks an entry as permanently given up, keeping the operator's notes.
func (s *Service) Abandon(ctx context.Context, id, notes string) error {
	e, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if e.Status == StatusAbandoned {
		return nil
	}
	return s.store.SetStatus(ctx, id, StatusAbandoned, notes)
}

// Resolve marks an entry as handled out of band.
func (s *Service) Resolve(ctx context.Context, id string) error {
	if _, err := s.store.GetByID(ctx, id); err != nil {
		return err
	}
	return s.store.SetStatus(ctx, id, StatusResolved, "")
}

// Delete removes an entry permanently. The audit line is the only trace left.
func (s *Service) Delete(ctx context.Context, id string) error {
	e, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.log.WithContext(ctx).WithOrg(e.OrgID).WithEvent(e.EventID).WithIntegration(e.IntegrationID).
		WithFields(map[string]any{"dlq_id": id, "status": string(e.Status)}).
		Warn("DLQ entry deleted")
	return nil
}

// Get returns one entry.
func (s *Service) Get(ctx context.Context, id string) (*Entry, error) {
	return s.store.GetByID(ctx, id)
}

// List returns entries matching the filter.
func (s *Service) List(ctx context.Context, f Filter) ([]Entry, error) {
	return s.store.List(ctx, f)
}

// BulkRetry retries each id independently and reports per-id outcomes.
func (s *Service) BulkRetry(ctx context.Context, ids []string) BulkResult {
	return s.bulk(ids, func(id string) error { return s.Retry(ctx, id) })
}

// BulkAbandon abandons each id independently.
func (s *Service) BulkAbandon(ctx context.Context, ids []string, notes string) BulkResult {
	return s.bulk(ids, func(id string) error { return s.Abandon(ctx, id, notes) })
}

// BulkDelete deletes each id independently.
func (s *Service) BulkDelete(ctx context.Context, ids []string) BulkResult {
	return s.bulk(ids, func(id string) error { return s.Delete(ctx, id) })
}

func (s *Service) bulk(ids []string, op func(id string) error) BulkResult {
	res := BulkResult{Failed: map[string]string{}}
	for _, id := range ids {
		if err := op(id); err != nil {
			res.Failed[id] = err.Error()
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	if len(res.Failed) == 0 {
		res.Failed = nil
	}
	return res
}
