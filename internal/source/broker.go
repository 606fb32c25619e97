package source

import (
	"context"
	"encoding/json"

	"github.com/nsqio/go-nsq"

	"github.com/calebmorten/eventgate/internal/config"
	"github.com/calebmorten/eventgate/internal/event"
	"github.com/calebmorten/eventgate/internal/logging"
)

// Broker consumes raw events published by other services onto the events
// topic and routes them like every other source.
type Broker struct {
	consumer *nsq.Consumer
	router   *Router
	log      *logging.Logger
}

func NewBroker(cfg config.NSQ, router *Router) (*Broker, error) {
	nsqCfg := nsq.NewConfig()
	consumer, err := nsq.NewConsumer(cfg.EventsTopic, cfg.WorkerChannel, nsqCfg)
	if err != nil {
		return nil, err
	}
	b := &Broker{
		consumer: consumer,
		router:   router,
		log:      logging.New("eventgate-broker"),
	}
	consumer.AddHandler(nsq.HandlerFunc(b.handle))
	if err := consumer.ConnectToNSQLookupd(cfg.LookupHTTPAddr); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) handle(m *nsq.Message) error {
	ctx := context.Background()
	var evt event.Event
	if err := json.Unmarshal(m.Body, &evt); err != nil {
		// Unparseable messages would fail forever; drop them.
		b.log.Plain().WithError(err).Error("dropping malformed broker event")
		return nil
	}
	if evt.ID == "" {
		evt = event.New(evt.OrgID, evt.EventType, evt.Payload)
	}
	if _, err := b.router.Route(ctx, evt, "broker"); err != nil {
		b.log.WithContext(ctx).WithOrg(evt.OrgID).WithError(err).Error("dropping unroutable broker event")
	}
	return nil
}

// Stop drains the consumer.
func (b *Broker) Stop() {
	b.consumer.Stop()
	<-b.consumer.StopChan
}
