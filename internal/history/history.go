// Package history exports terminal delivery results to external systems.
package history

import (
	"context"
	"errors"
	"time"
)

// Outcome classifies a terminal result.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
)

// OutcomeFor maps a result code to an Outcome.
func OutcomeFor(code int) Outcome {
	if code >= 200 && code < 300 {
		return OutcomeDelivered
	}
	return OutcomeFailed
}

// Record is one terminal delivery result.
type Record struct {
	OccurredAt  time.Time `json:"occurred_at"`
	Outcome     Outcome   `json:"outcome"`
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	EventName   string    `json:"event_name"`
	DistinctID  string    `json:"distinct_id,omitempty"`
	Destination string    `json:"destination"`
	Code        int       `json:"code"`
	Message     string    `json:"message"`
	Attempts    int       `json:"attempts"`
}

// Sink is a destination for history records.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, r Record) error
}

// Multi fans a record out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := Close(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes s if it implements io.Closer.
func Close(s Sink) error {
	if c, ok := s.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
