package xqueue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ObserverPool fans queue events out to observers on a fixed set of goroutines.
// Notify never blocks: when the buffer is full the event is dropped and counted.
type ObserverPool struct {
	eventCh   chan *Event
	workers   int
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64

	// onPanic receives recovered observer panics; nil discards them.
	onPanic func(obs Observer, r any)
}

// NewObserverPool creates a pool for async observer notification.
// workers: dispatch goroutines (default 4); bufferSize: event channel capacity (default 1000).
func NewObserverPool(ctx context.Context, workers, bufferSize int) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1000
	}

	poolCtx, cancel := context.WithCancel(ctx)
	op := &ObserverPool{
		eventCh: make(chan *Event, bufferSize),
		workers: workers,
		ctx:     poolCtx,
		cancel:  cancel,
	}

	for i := 0; i < workers; i++ {
		op.wg.Add(1)
		go op.worker()
	}

	return op
}

// Notify queues e for the given observers. It reports false when the event was
// dropped (pool closed or buffer full).
func (op *ObserverPool) Notify(e Event, observers []Observer) bool {
	if len(observers) == 0 {
		return true
	}
	if op.closed.Load() {
		op.dropped.Add(1)
		return false
	}

	e.observers = observers
	select {
	case op.eventCh <- &e:
		return true
	default:
		op.dropped.Add(1)
		return false
	}
}

func (op *ObserverPool) worker() {
	defer op.wg.Done()
	for {
		select {
		case <-op.ctx.Done():
			// drain what is already buffered, then exit
			for {
				select {
				case e := <-op.eventCh:
					op.dispatch(e)
				default:
					return
				}
			}
		case e := <-op.eventCh:
			op.dispatch(e)
		}
	}
}

func (op *ObserverPool) dispatch(e *Event) {
	if e == nil {
		return
	}
	for _, obs := range e.observers {
		if obs == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil && op.onPanic != nil {
					op.onPanic(obs, r)
				}
			}()
			obs.OnEvent(*e)
		}()
	}
	op.processed.Add(1)
}

// Close stops the workers after they drain the buffer, waiting at most timeout.
func (op *ObserverPool) Close(timeout time.Duration) error {
	if op.closed.Swap(true) {
		return nil
	}

	op.cancel()

	done := make(chan struct{})
	go func() {
		op.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w after %v", ErrObserverPoolShutdownTimeout, timeout)
	}
}

// Stats returns current pool statistics.
func (op *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:      op.dropped.Load(),
		Processed:    op.processed.Load(),
		ActiveEvents: len(op.eventCh),
		Workers:      op.workers,
		BufferSize:   cap(op.eventCh),
	}
}
