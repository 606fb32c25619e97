package pipeline

import (
	"context"

	"github.com/calebmorten/eventgate/internal/event"
	"github.com/calebmorten/eventgate/internal/fault"
)

// Replay re-enqueues the event behind a prior attempt as a brand-new task.
// The original record is never mutated. Duplicate replays are refused unless
// force is set.
func (p *Pipeline) Replay(ctx context.Context, logID string, force bool) (string, error) {
	rec, err := p.logStore.GetByID(ctx, logID)
	if err != nil {
		return "", err
	}
	if rec.Event == nil {
		return "", fault.New(fault.Validation, "REPLAY_UNAVAILABLE",
			"execution %s predates event retention and cannot be replayed", logID)
	}
	if !force {
		replayed, err := p.logStore.HasReplay(ctx, logID)
		if err != nil {
			return "", err
		}
		if replayed {
			return "", fault.New(fault.Validation, "DUPLICATE_REPLAY",
				"execution %s was already replayed, pass force to replay again", logID)
		}
	}
	task := event.Task{
		Event:         *rec.Event,
		IntegrationID: rec.IntegrationID,
		ActionID:      rec.ActionID,
		ReplayOf:      logID,
		Trigger:       "MANUAL",
	}
	if err := p.publisher.PublishTask(ctx, p.taskTopic, task); err != nil {
		return "", err
	}
	p.log.WithContext(ctx).WithOrg(rec.OrgID).WithEvent(rec.EventID).
		WithFields(map[string]any{"replay_of": logID, "force": force}).
		Info("replay enqueued")
	return rec.EventID, nil
}
