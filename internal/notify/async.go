package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/admissions/internal/observability"
	"github.com/pitabwire/admissions/model"
)

const deliveryTimeout = 5 * time.Second

type job struct {
	ctx context.Context
	ev  model.TransitionCompleted
}

// AsyncDispatcher queues events for a single background worker. Notify never
// blocks; a full buffer drops the event with a warning.
type AsyncDispatcher struct {
	driver  Driver
	logger  *zap.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan job
	done   chan struct{}
}

// NewAsyncDispatcher starts a worker that delivers through driver.
func NewAsyncDispatcher(driver Driver, bufferSize int, logger *zap.Logger, metrics *observability.Metrics) *AsyncDispatcher {
	if bufferSize < 1 {
		bufferSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &AsyncDispatcher{
		driver:  driver,
		logger:  logger.Named("notify"),
		metrics: metrics,
		queue:   make(chan job, bufferSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify enqueues ev. The returned error is always nil; drops are logged.
func (d *AsyncDispatcher) Notify(ctx context.Context, ev model.TransitionCompleted) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(ev, "dispatcher closed")
		return nil
	}
	select {
	case d.queue <- job{ctx: context.WithoutCancel(ctx), ev: ev}:
	default:
		d.drop(ev, "buffer full")
	}
	return nil
}

// Close stops accepting events and waits for queued ones to be delivered or
// for ctx to end.
func (d *AsyncDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if c, ok := d.driver.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// HealthCheck delegates to the driver when it can report health.
func (d *AsyncDispatcher) HealthCheck(ctx context.Context) error {
	if hc, ok := d.driver.(observability.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

func (d *AsyncDispatcher) run() {
	defer close(d.done)
	for j := range d.queue {
		d.deliver(j)
	}
}

func (d *AsyncDispatcher) deliver(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, deliveryTimeout)
	defer cancel()

	if err := d.driver.Notify(ctx, j.ev); err != nil {
		d.metrics.RecordNotification(d.driver.Name(), "failed")
		d.logger.Warn("notification delivery failed",
			zap.String("driver", d.driver.Name()),
			zap.String("event_id", j.ev.EventID),
			zap.String("application_id", j.ev.ApplicationID),
			zap.Error(err),
		)
		return
	}
	d.metrics.RecordNotification(d.driver.Name(), "sent")
}

func (d *AsyncDispatcher) drop(ev model.TransitionCompleted, reason string) {
	d.metrics.RecordNotification(d.driver.Name(), "dropped")
	d.logger.Warn("notification dropped",
		zap.String("reason", reason),
		zap.String("driver", d.driver.Name()),
		zap.String("event_id", ev.EventID),
		zap.String("application_id", ev.ApplicationID),
	)
}
