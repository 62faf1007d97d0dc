// Package notify fans job events out to delivery sinks.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mediaconv/job"

	"github.com/google/uuid"
)

const (
	defaultQueueSize = 256
	sendTimeout      = 10 * time.Second
	drainTimeout     = 5 * time.Second
)

// Sink delivers one event. Errors are logged and the event is not retried.
type Sink interface {
	Name() string
	Send(ctx context.Context, ev job.Event) error
}

// Dispatcher implements job.Notifier. Notify never blocks: events go onto a
// bounded queue and are delivered by Run.
type Dispatcher struct {
	queue  chan job.Event
	sinks  []Sink
	logger *slog.Logger

	mu      sync.Mutex
	dropped int
}

func NewDispatcher(logger *slog.Logger, queueSize int, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Dispatcher{
		queue:  make(chan job.Event, queueSize),
		sinks:  sinks,
		logger: logger.With("component", "notify"),
	}
}

func (d *Dispatcher) Notify(ev job.Event) {
	// Generate ID if not set
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	select {
	case d.queue <- ev:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		d.logger.Warn("notification queue full, dropping event", "event_id", ev.ID, "job_id", ev.JobID, "type", ev.Type)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Run delivers events until ctx is cancelled, then drains what is already
// queued for a short while.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		case <-ctx.Done():
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		case <-ctx.Done():
			if n := len(d.queue); n > 0 {
				d.logger.Warn("shutdown left events undelivered", "count", n)
			}
			return
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev job.Event) {
	for _, s := range d.sinks {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		err := s.Send(sctx, ev)
		cancel()
		if err != nil {
			d.logger.Warn("event delivery failed",
				"sink", s.Name(),
				"event_id", ev.ID,
				"job_id", ev.JobID,
				"error", err,
			)
		}
	}
}
