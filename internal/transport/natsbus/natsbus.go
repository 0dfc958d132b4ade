// Package natsbus carries ingestion requests over NATS request/reply instead of HTTP.
//
// An endpoint URL is mapped onto a subject by its path: with prefix
// "analytics", https://host/events/activities becomes
// "analytics.events.activities". The project token travels as a message
// header and replies are JSON objects of the form {"code": 200, "body": {...}}.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loykin/analytics-go/internal/transport"
)

const DefaultPrefix = "analytics"

// Config holds NATS transport configuration.
type Config struct {
	URL           string
	Name          string
	Prefix        string
	Timeout       time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
	Logger        *slog.Logger
}

// DefaultConfig returns a Config pointing at a local NATS server.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "analytics-go",
		Prefix:        DefaultPrefix,
		Timeout:       10 * time.Second,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Reply is the wire envelope a responder sends back.
type Reply struct {
	Code int             `json:"code"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Transport implements transport.Transport over NATS.
type Transport struct {
	conn    *nats.Conn
	prefix  string
	timeout time.Duration
	logger  *slog.Logger
}

// Connect dials NATS and returns a ready transport.
func Connect(cfg Config) (*Transport, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return New(conn, cfg), nil
}

// New wraps an existing connection.
func New(conn *nats.Conn, cfg Config) *Transport {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Transport{conn: conn, prefix: cfg.Prefix, timeout: cfg.Timeout, logger: cfg.Logger}
}

// Send implements transport.Transport.
func (t *Transport) Send(ctx context.Context, endpoint string, payload any, projectToken string) (*transport.Response, error) {
	subject, err := Subject(t.prefix, endpoint)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(transport.TokenHeader, projectToken)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	resp, err := t.conn.RequestMsgWithContext(ctx, msg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return transport.ParseResponse(408, nil), nil
		}
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
	t.logger.Debug("nats request completed", "subject", subject, "bytes", len(data))
	return DecodeReply(resp.Data), nil
}

// Close drains the connection.
func (t *Transport) Close() error {
	return t.conn.Drain()
}

// Subject maps an endpoint URL or path onto a NATS subject.
func Subject(prefix, endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	parts := []string{prefix}
	for _, seg := range strings.Split(u.Path, "/") {
		if seg == "" {
			continue
		}
		parts = append(parts, strings.ReplaceAll(seg, ".", "_"))
	}
	if len(parts) == 1 {
		return "", fmt.Errorf("endpoint %q has no path", endpoint)
	}
	return strings.Join(parts, "."), nil
}

// DecodeReply turns a reply payload into a Response; nil if it is malformed.
func DecodeReply(data []byte) *transport.Response {
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return nil
	}
	return transport.ParseResponse(r.Code, r.Body)
}

// Handler answers one request; body is nil for an empty reply body.
type Handler func(ctx context.Context, path, projectToken string, payload []byte) (code int, body any)

// Serve subscribes to every subject under prefix and answers with handler.
// The returned subscription stays active until unsubscribed.
func Serve(conn *nats.Conn, prefix string, handler Handler) (*nats.Subscription, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return conn.Subscribe(prefix+".>", func(msg *nats.Msg) {
		path := "/" + strings.ReplaceAll(strings.TrimPrefix(msg.Subject, prefix+"."), ".", "/")
		token := ""
		if msg.Header != nil {
			token = msg.Header.Get(transport.TokenHeader)
		}
		code, body := handler(context.Background(), path, token, msg.Data)
		_ = msg.Respond(EncodeReply(code, body))
	})
}

// EncodeReply builds the reply envelope.
func EncodeReply(code int, body any) []byte {
	r := Reply{Code: code}
	if body != nil {
		if raw, err := json.Marshal(body); err == nil {
			r.Body = raw
		}
	}
	out, _ := json.Marshal(r)
	return out
}
