package pipeline

import (
	"context"
	"time"

	"github.com/calebmorten/eventgate/internal/event"
	"github.com/calebmorten/eventgate/internal/execlog"
	"github.com/calebmorten/eventgate/internal/logging"
	"github.com/calebmorten/eventgate/internal/metrics"
)

// RetrySweeper gives exhausted retryable failures that were not parked in the
// DLQ one more pass through the queue. The sweep publishes each candidate as
// a replay of its original attempt, so a swept execution is never swept
// twice and the replay dedupe guard applies.
type RetrySweeper struct {
	logs      execlog.Store
	publisher event.Publisher
	taskTopic string
	lookback  time.Duration
	batch     int
	now       func() time.Time
	log       *logging.Logger
}

func NewRetrySweeper(logs execlog.Store, publisher event.Publisher, taskTopic string, lookback time.Duration, batch int) *RetrySweeper {
	if lookback <= 0 {
		lookback = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &RetrySweeper{
		logs:      logs,
		publisher: publisher,
		taskTopic: taskTopic,
		lookback:  lookback,
		batch:     batch,
		now:       time.Now,
		log:       logging.New("eventgate-retrysweep"),
	}
}

// Sweep re-enqueues eligible failures. Failures younger than the lookback are
// skipped so a delivery still bouncing through NSQ requeues is not doubled.
func (s *RetrySweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.lookback)
	recs, err := s.logs.ListRetryable(ctx, cutoff, s.batch)
	if err != nil {
		return 0, err
	}

	swept := 0
	for i := range recs {
		rec := &recs[i]
		task := event.Task{
			Event:         *rec.Event,
			IntegrationID: rec.IntegrationID,
			ActionID:      rec.ActionID,
			ReplayOf:      rec.ID,
			Trigger:       "SCHEDULED",
		}
		if err := s.publisher.PublishTask(ctx, s.taskTopic, task); err != nil {
			s.log.WithContext(ctx).WithOrg(rec.OrgID).WithAttempt(rec.ID).
				WithError(err).Error("retry sweep publish failed")
			continue
		}
		swept++
		metrics.RecordRetry("sweep")
		s.log.WithContext(ctx).WithOrg(rec.OrgID).WithEvent(rec.EventID).
			WithAttempt(rec.ID).Info("exhausted delivery re-enqueued by sweep")
	}
	return swept, nil
}
