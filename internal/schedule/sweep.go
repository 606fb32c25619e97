package schedule

import (
	"context"
	"time"

	"github.com/calebmorten/eventgate/internal/event"
	"github.com/calebmorten/eventgate/internal/logging"
	"github.com/calebmorten/eventgate/internal/metrics"
)

// Sweeper fires due pending deliveries onto the task queue and advances
// recurring schedules. One sweeper process runs per deployment.
type Sweeper struct {
	store     Store
	publisher event.Publisher
	taskTopic string
	batch     int
	now       func() time.Time
	log       *logging.Logger
}

func NewSweeper(store Store, publisher event.Publisher, taskTopic string) *Sweeper {
	return &Sweeper{
		store:     store,
		publisher: publisher,
		taskTopic: taskTopic,
		batch:     100,
		now:       time.Now,
		log:       logging.New("eventgate-sweeper"),
	}
}

// SetBatch caps how many due rows one sweep claims.
func (s *Sweeper) SetBatch(n int) {
	if n > 0 {
		s.batch = n
	}
}

// NewSweeperWithClock injects a clock for tests.
func NewSweeperWithClock(store Store, publisher event.Publisher, taskTopic string, now func() time.Time) *Sweeper {
	s := NewSweeper(store, publisher, taskTopic)
	s.now = now
	return s
}

// Sweep fires everything due. Returns how many deliveries were enqueued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.store.Due(ctx, now, s.batch)
	if err != nil {
		return 0, err
	}

	fired := 0
	for i := range due {
		p := due[i]
		if err := s.fire(ctx, &p, now); err != nil {
			s.log.WithContext(ctx).WithOrg(p.OrgID).WithIntegration(p.IntegrationID).
				WithError(err).Error("failed to fire pending delivery")
			if serr := s.store.SetStatus(ctx, p.ID, StatusFailed); serr != nil {
				s.log.WithContext(ctx).WithError(serr).Error("failed to mark pending delivery failed")
			}
			continue
		}
		fired++
		metrics.RecordScheduledFired(fireMode(&p))
	}
	return fired, nil
}

func fireMode(p *PendingDelivery) string {
	switch {
	case p.Recurring:
		return "recurring"
	case p.Status == StatusOverdue:
		return "overdue"
	default:
		return "delayed"
	}
}

func (s *Sweeper) fire(ctx context.Context, p *PendingDelivery, now time.Time) error {
	evt := event.Event{
		ID:         p.EventID,
		OrgID:      p.OrgID,
		EventType:  p.EventType,
		Payload:    p.Payload,
		ReceivedAt: now,
	}
	task := event.Task{
		Event:         evt,
		IntegrationID: p.IntegrationID,
		Trigger:       "SCHEDULED",
	}
	if err := s.publisher.PublishTask(ctx, s.taskTopic, task); err != nil {
		return err
	}

	if !p.Recurring {
		return s.store.SetStatus(ctx, p.ID, StatusSent)
	}

	// Remaining counts occurrences left including the one just fired;
	// zero means the schedule is bounded by end date only.
	if p.Remaining == 1 {
		return s.store.SetStatus(ctx, p.ID, StatusSent)
	}
	remaining := p.Remaining
	if remaining > 1 {
		remaining--
	}

	next := p.ScheduledFor.Add(time.Duration(p.IntervalMs) * time.Millisecond)
	// Catch up past the present if the sweeper was down across occurrences.
	for !next.After(now) {
		next = next.Add(time.Duration(p.IntervalMs) * time.Millisecond)
	}
	if p.EndDate != nil && next.After(*p.EndDate) {
		return s.store.SetStatus(ctx, p.ID, StatusSent)
	}
	return s.store.Advance(ctx, p.ID, next, remaining)
}
