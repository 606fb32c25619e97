package event

import (
	"context"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/calebmorten/eventgate/internal/tracing"
)

// Publisher queues tasks for workers. The NSQ implementation is the real one;
// tests use MemPublisher.
type Publisher interface {
	PublishTask(ctx context.Context, topic string, task Task) error
	PublishDeadLetter(ctx context.Context, topic string, dl DeadLetter) error
	DeferTask(ctx context.Context, topic string, task Task, delay time.Duration) error
	Stop()
}

// NSQPublisher wraps an nsq.Producer.
type NSQPublisher struct {
	producer *nsq.Producer
}

func NewNSQPublisher(addr string) (*NSQPublisher, error) {
	producer, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	return &NSQPublisher{producer: producer}, nil
}

func (p *NSQPublisher) PublishTask(ctx context.Context, topic string, task Task) error {
	if task.TraceHeaders == nil {
		task.TraceHeaders = tracing.PropagateTraceToNSQ(ctx)
	}
	body, err := task.Encode()
	if err != nil {
		return err
	}
	return p.producer.Publish(topic, body)
}

func (p *NSQPublisher) PublishDeadLetter(ctx context.Context, topic string, dl DeadLetter) error {
	if dl.Task.TraceHeaders == nil {
		dl.Task.TraceHeaders = tracing.PropagateTraceToNSQ(ctx)
	}
	body, err := dl.Encode()
	if err != nil {
		return err
	}
	return p.producer.Publish(topic, body)
}

// DeferTask requeues a task after a delay using NSQ's deferred publish.
func (p *NSQPublisher) DeferTask(ctx context.Context, topic string, task Task, delay time.Duration) error {
	if task.TraceHeaders == nil {
		task.TraceHeaders = tracing.PropagateTraceToNSQ(ctx)
	}
	body, err := task.Encode()
	if err != nil {
		return err
	}
	return p.producer.DeferredPublish(topic, delay, body)
}

// Ping verifies the nsqd connection for health checks.
func (p *NSQPublisher) Ping(context.Context) error {
	return p.producer.Ping()
}

func (p *NSQPublisher) Stop() {
	p.producer.Stop()
}

// MemPublisher collects published messages for tests.
type MemPublisher struct {
	Tasks       map[string][]Task
	DeadLetters map[string][]DeadLetter
	Deferred    map[string][]Task
}

func NewMemPublisher() *MemPublisher {
	return &MemPublisher{
		Tasks:       make(map[string][]Task),
		DeadLetters: make(map[string][]DeadLetter),
		Deferred:    make(map[string][]Task),
	}
}

func (p *MemPublisher) PublishTask(_ context.Context, topic string, task Task) error {
	p.Tasks[topic] = append(p.Tasks[topic], task)
	return nil
}

func (p *MemPublisher) PublishDeadLetter(_ context.Context, topic string, dl DeadLetter) error {
	p.DeadLetters[topic] = append(p.DeadLetters[topic], dl)
	return nil
}

func (p *MemPublisher) DeferTask(_ context.Context, topic string, task Task, _ time.Duration) error {
	p.Deferred[topic] = append(p.Deferred[topic], task)
	return nil
}

func (p *MemPublisher) Stop() {}
