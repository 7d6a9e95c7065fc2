// Package audit records security-relevant mesh events: connections,
// messages, key rotations, rate-limit denials, and breaker transitions.
// Publishing is fire-and-forget; a slow or failing sink never blocks a mesh
// operation.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/meshsec/internal/domain/models"
	"github.com/turtacn/meshsec/internal/domain/service"
	"github.com/turtacn/meshsec/pkg/logger"
)

const sinkWriteTimeout = 5 * time.Second

// Dispatcher fans audit events out to its sinks from a single background
// goroutine. The buffer bounds memory; events beyond it are counted and
// dropped.
type Dispatcher struct {
	events  chan *models.AuditEvent
	sinks   []service.AuditSink
	log     logger.Logger
	dropped atomic.Int64

	wg      sync.WaitGroup
	stopped sync.Once
}

// NewDispatcher starts a dispatcher over the given sinks.
func NewDispatcher(bufferSize int, sinks []service.AuditSink, log logger.Logger) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if log == nil {
		log = logger.NewNoopLogger()
	}

	d := &Dispatcher{
		events: make(chan *models.AuditEvent, bufferSize),
		sinks:  sinks,
		log:    log.WithComponent("audit"),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

var _ service.AuditPublisher = (*Dispatcher)(nil)

// Publish enqueues an event. When the buffer is full the event is dropped;
// auditing never applies backpressure to the caller.
func (d *Dispatcher) Publish(event *models.AuditEvent) {
	if event == nil {
		return
	}
	select {
	case d.events <- event:
	default:
		d.dropped.Add(1)
	}
}

// Dropped returns the number of events lost to a full buffer.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close drains buffered events, closes the sinks, and returns. Idempotent.
func (d *Dispatcher) Close() error {
	d.stopped.Do(func() {
		close(d.events)
		d.wg.Wait()
		for _, sink := range d.sinks {
			if err := sink.Close(); err != nil {
				d.log.Warn(context.Background(), "Audit sink close failed",
					logger.Err(err),
				)
			}
		}
	})
	return nil
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for event := range d.events {
		d.deliver(event)
	}
}

// deliver writes one event to every sink. A sink failure is logged and the
// remaining sinks still receive the event.
func (d *Dispatcher) deliver(event *models.AuditEvent) {
	for _, sink := range d.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
		if err := sink.Write(ctx, event); err != nil {
			d.log.Warn(ctx, "Audit sink write failed",
				logger.String("event_id", event.ID),
				logger.String("event_type", string(event.EventType)),
				logger.Err(err),
			)
		}
		cancel()
	}
}
