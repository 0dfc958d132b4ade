// Package transport delivers serialized payloads to the ingestion service.
package transport

import (
	"context"
	"errors"
)

// TokenHeader carries the project token on every request.
const TokenHeader = "Coxwave-Project-Token"

// ErrNoResponse may be returned by transports that got no usable reply.
var ErrNoResponse = errors.New("transport: no response")

// Transport sends one payload to endpoint.
//
// Implementations return a structured Response for every HTTP-level outcome,
// including error statuses. A non-nil error is reserved for infrastructure
// failures (network down, broken implementation) and is not retried by
// destinations. A nil Response with a nil error is treated as an unexpected
// failure.
type Transport interface {
	Send(ctx context.Context, endpoint string, payload any, projectToken string) (*Response, error)
}

// Func adapts a function to Transport.
type Func func(ctx context.Context, endpoint string, payload any, projectToken string) (*Response, error)

func (f Func) Send(ctx context.Context, endpoint string, payload any, projectToken string) (*Response, error) {
	return f(ctx, endpoint, payload, projectToken)
}
