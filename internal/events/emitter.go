package events

import (
	"context"
	"encoding/json"

	"github.com/nsqio/go-nsq"

	"github.com/crawlgrid/crawlgrid/internal/logging"
	"github.com/crawlgrid/crawlgrid/internal/task"
	"github.com/crawlgrid/crawlgrid/internal/tracing"
)

// Emitter publishes lifecycle events for the external notification fan-out.
// Emission is best-effort from the core's point of view: a failed publish is
// logged and never blocks or fails the task transition that produced it.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
	EmitDeadLetter(ctx context.Context, dl task.DeadLetter)
}

// NSQEmitter publishes events to an NSQ topic and dead-letter envelopes to a
// dedicated DLQ topic.
type NSQEmitter struct {
	prod        *nsq.Producer
	eventsTopic string
	dlqTopic    string
	log         *logging.Logger
}

// NewNSQEmitter connects a producer to nsqd and returns the emitter.
func NewNSQEmitter(nsqdAddr, eventsTopic, dlqTopic string, log *logging.Logger) (*NSQEmitter, error) {
	prod, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	return &NSQEmitter{prod: prod, eventsTopic: eventsTopic, dlqTopic: dlqTopic, log: log}, nil
}

// Emit publishes the event, carrying trace context in the envelope headers.
func (e *NSQEmitter) Emit(ctx context.Context, ev Event) {
	ev.TraceHeaders = tracing.PropagateTraceToNSQ(ctx)
	b, err := json.Marshal(ev)
	if err != nil {
		e.log.WithContext(ctx).WithError(err).Error("marshal event failed")
		return
	}
	if err := e.prod.Publish(e.eventsTopic, b); err != nil {
		e.log.WithContext(ctx).WithTask(ev.TaskID).WithError(err).
			WithField("event", string(ev.Type)).Error("event publish failed")
	}
}

// EmitDeadLetter publishes the dead-letter envelope to the DLQ topic.
func (e *NSQEmitter) EmitDeadLetter(ctx context.Context, dl task.DeadLetter) {
	b, err := json.Marshal(dl)
	if err != nil {
		e.log.WithContext(ctx).WithError(err).Error("marshal dead letter failed")
		return
	}
	if err := e.prod.Publish(e.dlqTopic, b); err != nil {
		e.log.WithContext(ctx).WithTask(dl.Task.ID.String()).WithError(err).
			Error("dead letter publish failed")
	}
}

// Stop flushes and stops the underlying producer.
func (e *NSQEmitter) Stop() {
	e.prod.Stop()
}

// Nop drops all events. Used in tests and when running without NSQ.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

func (Nop) EmitDeadLetter(context.Context, task.DeadLetter) {}
