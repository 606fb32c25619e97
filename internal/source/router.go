package source

import (
	"context"
	"encoding/json"

	"github.com/calebmorten/eventgate/internal/event"
	"github.com/calebmorten/eventgate/internal/integration"
	"github.com/calebmorten/eventgate/internal/logging"
	"github.com/calebmorten/eventgate/internal/metrics"
	"github.com/calebmorten/eventgate/internal/schedule"
)

// Router is the single enqueue path every source adapter converges on.
// IMMEDIATE integrations go straight to the task queue; DELAYED and
// RECURRING run their schedule script and land in the pending store.
type Router struct {
	integrations integration.Store
	scheduler    *schedule.Scheduler
	pending      schedule.Store
	publisher    event.Publisher
	taskTopic    string
	log          *logging.Logger
}

func NewRouter(integrations integration.Store, scheduler *schedule.Scheduler, pending schedule.Store, publisher event.Publisher, taskTopic string) *Router {
	return &Router{
		integrations: integrations,
		scheduler:    scheduler,
		pending:      pending,
		publisher:    publisher,
		taskTopic:    taskTopic,
		log:          logging.New("eventgate-router"),
	}
}

// Route validates the event and enqueues one unit of work per matching
// integration. Returns how many integrations were matched.
func (r *Router) Route(ctx context.Context, evt event.Event, sourceName string) (int, error) {
	if err := evt.Validate(); err != nil {
		return 0, err
	}
	metrics.RecordEventIngested(sourceName)

	integs, err := r.integrations.ListActiveByEvent(ctx, evt.OrgID, evt.EventType)
	if err != nil {
		return 0, err
	}
	routed := 0
	for _, integ := range integs {
		if err := r.routeOne(ctx, evt, integ); err != nil {
			r.log.WithContext(ctx).WithOrg(evt.OrgID).WithEvent(evt.ID).
				WithIntegration(integ.ID).WithError(err).Error("failed to enqueue")
			continue
		}
		routed++
	}
	return routed, nil
}

func (r *Router) routeOne(ctx context.Context, evt event.Event, integ *integration.Integration) error {
	switch integ.DeliveryMode {
	case integration.Immediate:
		return r.publisher.PublishTask(ctx, r.taskTopic, event.Task{
			Event:         evt,
			IntegrationID: integ.ID,
		})
	case integration.Delayed:
		var payload any
		decodePayload(evt, &payload)
		d, err := r.scheduler.ComputeDelayed(ctx, integ.ScheduleScript, payload, schedule.Context{
			OrgID:     evt.OrgID,
			EventType: evt.EventType,
		})
		if err != nil {
			return err
		}
		return r.pending.Insert(ctx, schedule.NewPendingFromDelayed(
			evt.OrgID, integ.ID, evt.ID, evt.EventType, evt.Payload, d))
	case integration.Recurring:
		var payload any
		decodePayload(evt, &payload)
		rec, err := r.scheduler.ComputeRecurring(ctx, integ.ScheduleScript, payload, schedule.Context{
			OrgID:     evt.OrgID,
			EventType: evt.EventType,
		})
		if err != nil {
			return err
		}
		return r.pending.Insert(ctx, schedule.NewPendingFromRecurring(
			evt.OrgID, integ.ID, evt.ID, evt.EventType, evt.Payload, rec))
	default:
		return nil
	}
}

// decodePayload is lossy on purpose: Validate already guaranteed valid JSON.
func decodePayload(evt event.Event, v *any) {
	_ = json.Unmarshal(evt.Payload, v)
}
