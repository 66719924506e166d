package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Zhenzhong-Zhou/widenaturals-erp-sub004/internal/metrics"
)

// Dispatcher is the asynchronous Recorder used in production: one worker
// goroutine drains a bounded queue into a Sink. Record never blocks; when
// the queue is full the event is counted as dropped and forgotten. Losing an
// audit row is acceptable, stalling a login is not.
type Dispatcher struct {
	sink    Sink
	logger  *slog.Logger
	ch      chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64
	closed  atomic.Bool

	closeOnce sync.Once
}

// Sink persists a single event. Emit owns its own error handling; the
// dispatcher never learns whether a write succeeded.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NewDispatcher starts the worker. bufferSize bounds the in-flight queue;
// values below one are clamped so the queue can always hold something.
func NewDispatcher(sink Sink, bufferSize int, logger *slog.Logger) *Dispatcher {
	if bufferSize < 1 {
		bufferSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		sink:   sink,
		logger: logger,
		ch:     make(chan Event, bufferSize),
		done:   make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	for {
		select {
		case event := <-d.ch:
			d.sink.Emit(context.Background(), event)
		case <-d.done:
			// Drain whatever is queued, then exit.
			for {
				select {
				case event := <-d.ch:
					d.sink.Emit(context.Background(), event)
				default:
					return
				}
			}
		}
	}
}

// Record implements Recorder with a non-blocking enqueue. Events offered
// after Close are discarded; a full queue drops the event and counts it.
func (d *Dispatcher) Record(_ context.Context, event Event) {
	if d == nil || d.closed.Load() {
		return
	}

	select {
	case d.ch <- event:
	case <-d.done:
	default:
		d.dropped.Add(1)
		metrics.AuditEventsDroppedTotal.Inc()
		d.logger.Warn("audit queue full, event dropped",
			slog.String("event_type", event.Type),
			slog.Uint64("dropped_total", d.dropped.Load()),
		)
	}
}

// Close stops accepting events and waits for the worker to drain the queue,
// giving up when ctx expires. Safe to call more than once.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		close(d.done)
	})

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
