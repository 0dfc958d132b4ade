package history

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultBuffer      = 1024
	DefaultSendTimeout = 5 * time.Second
)

// Async decouples the delivery path from slow sinks. Records are handed to a
// single worker; when the buffer is full the record is dropped and logged.
type Async struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration

	ch        chan Record
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewAsync starts the worker. buffer <= 0 uses DefaultBuffer.
func NewAsync(sink Sink, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		sink:    sink,
		logger:  logger,
		timeout: DefaultSendTimeout,
		ch:      make(chan Record, buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) run() {
	defer close(a.done)
	for r := range a.ch {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.sink.Send(ctx, r); err != nil {
			a.logger.Warn("history sink failed", "event_id", r.EventID, "destination", r.Destination, "error", err)
		}
		cancel()
	}
}

// Send enqueues r without blocking. It never returns an error for a full
// buffer; the drop is logged instead.
func (a *Async) Send(_ context.Context, r Record) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	select {
	case a.ch <- r:
	default:
		a.logger.Warn("history buffer full, dropping record", "event_id", r.EventID)
	}
	return nil
}

// Close drains queued records and closes the wrapped sink.
func (a *Async) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
	})
	<-a.done
	return Close(a.sink)
}
