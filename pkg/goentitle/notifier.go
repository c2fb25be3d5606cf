package goentitle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Notifier receives committed entitlement changes.
type Notifier interface {
	Notify(ctx context.Context, change EntitlementChange) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, change EntitlementChange) error

func (f NotifierFunc) Notify(ctx context.Context, change EntitlementChange) error {
	return f(ctx, change)
}

// Emitter accepts a change without blocking. It reports false when the
// change was dropped.
type Emitter interface {
	Emit(change EntitlementChange) bool
}

// DispatcherConfig holds dispatcher configuration
type DispatcherConfig struct {
	// QueueSize is the number of pending changes held in memory (default: 1024)
	QueueSize int

	// Workers is the number of delivery goroutines (default: 1)
	Workers int

	// NotifyTimeout bounds a single notifier call (default: 5 seconds)
	NotifyTimeout time.Duration

	// DrainTimeout bounds delivery of queued changes after Run's context ends (default: 5 seconds)
	DrainTimeout time.Duration

	Metrics Metrics
	Logger  Logger
}

// Dispatcher fans committed changes out to notifiers in the background.
// Emit never blocks; a full queue drops the change.
type Dispatcher struct {
	queue     chan EntitlementChange
	notifiers []Notifier
	config    DispatcherConfig
	stopped   atomic.Bool
}

// NewDispatcher creates a dispatcher delivering to notifiers. Call Run to
// start delivery.
func NewDispatcher(config DispatcherConfig, notifiers ...Notifier) *Dispatcher {
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.NotifyTimeout <= 0 {
		config.NotifyTimeout = 5 * time.Second
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 5 * time.Second
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	return &Dispatcher{
		queue:     make(chan EntitlementChange, config.QueueSize),
		notifiers: notifiers,
		config:    config,
	}
}

// Emit implements Emitter.
func (d *Dispatcher) Emit(change EntitlementChange) bool {
	if d.stopped.Load() {
		d.config.Metrics.RecordNotificationDropped("stopped")
		return false
	}
	select {
	case d.queue <- change:
		return true
	default:
		d.config.Metrics.RecordNotificationDropped("queue_full")
		return false
	}
}

// Run delivers queued changes until ctx is done, then drains what is left
// within DrainTimeout. It always returns nil so it can run in an errgroup.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case change := <-d.queue:
					d.deliver(ctx, change)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()

	d.stopped.Store(true)
	drainCtx, cancel := context.WithTimeout(context.Background(), d.config.DrainTimeout)
	defer cancel()
	for {
		select {
		case change := <-d.queue:
			d.deliver(drainCtx, change)
		default:
			return nil
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, change EntitlementChange) {
	for _, n := range d.notifiers {
		nctx, cancel := context.WithTimeout(ctx, d.config.NotifyTimeout)
		err := n.Notify(nctx, change)
		cancel()
		if err != nil {
			d.config.Metrics.RecordNotificationDropped("notifier_error")
			d.config.Logger.Warn("entitlement change notification failed",
				Field{"account_id", change.AccountID},
				Field{"event_id", change.EventID},
				Field{"error", err.Error()})
		}
	}
}
