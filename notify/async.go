package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rustyeddy/tradeloop/internal/logger"
)

const defaultQueue = 256

// Async delivers events on a background goroutine. When the queue is full
// the event is dropped and logged.
type Async struct {
	next    Notifier
	timeout time.Duration
	queue   chan Event

	mu     sync.Mutex // guards closed and sends on queue
	closed bool
	done   chan struct{}
}

// NewAsync starts the worker. Close drains the queue.
func NewAsync(next Notifier, queue int, timeout time.Duration) *Async {
	if queue <= 0 {
		queue = defaultQueue
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a := &Async{
		next:    next,
		timeout: timeout,
		queue:   make(chan Event, queue),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Notify(ctx, e); err != nil {
			logger.Warnf("notify %s failed: %v", e.Kind, err)
		}
		cancel()
	}
}

// Notify enqueues e and never blocks. Events sent after Close are dropped.
func (a *Async) Notify(_ context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		logger.Warnf("notify %s dropped: closed", e.Kind)
		return nil
	}
	select {
	case a.queue <- e:
	default:
		logger.Warnf("notify %s dropped: queue full", e.Kind)
	}
	return nil
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}
