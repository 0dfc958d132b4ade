package event

import (
	"context"
	"sync"
)

// Result messages.
const (
	SuccessMessage             = "Event tracked successfully"
	UnexpectedErrorMessage     = "Unexpected error occurred"
	MaxRetriesExceededMessage  = "Event rejected due to exceeded retry count"
	OptOutMessage              = "Event skipped due to optOut config"
	MissingProjectTokenMessage = "Event rejected due to missing Project Token"
	InvalidProjectToken        = "Invalid Project Token"
	ClientNotInitialized       = "Client not initialized"
	NotSupportedMessage        = "Event type not supported"
	NoDestinationMessage       = "No destination registered for event"
	UnknownMessage             = "unknown"
)

// Result is the terminal outcome of one event.
type Result struct {
	ID      string         `json:"id"`
	Event   *Event         `json:"event"`
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Body    map[string]any `json:"body"`
}

// BuildResult wraps an outcome for ev. A nil body becomes an empty map.
func BuildResult(ev *Event, code int, message string, body map[string]any) Result {
	if body == nil {
		body = map[string]any{}
	}
	r := Result{Event: ev, Code: code, Message: message, Body: body}
	if ev != nil {
		r.ID = ev.ID
	}
	return r
}

// Future is the pending Result of a dispatched event. It resolves exactly
// once; later Resolve calls are ignored.
type Future struct {
	id   string
	once sync.Once
	done chan struct{}
	res  Result
}

func NewFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

// Resolved returns a Future already settled with r.
func Resolved(r Result) *Future {
	f := NewFuture(r.ID)
	f.Resolve(r)
	return f
}

// ID is the event id, known before the Future settles.
func (f *Future) ID() string { return f.id }

// Resolve settles the Future. It reports whether this call won.
func (f *Future) Resolve(r Result) bool {
	won := false
	f.once.Do(func() {
		f.res = r
		won = true
		close(f.done)
	})
	return won
}

// Done is closed once the Future is settled.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the settled Result and whether it is available yet.
func (f *Future) Result() (Result, bool) {
	select {
	case <-f.done:
		return f.res, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the Future settles or ctx ends.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Then returns a Future settled with fn applied to f's Result.
func (f *Future) Then(fn func(Result) Result) *Future {
	next := NewFuture(f.id)
	go func() {
		<-f.done
		next.Resolve(fn(f.res))
	}()
	return next
}
