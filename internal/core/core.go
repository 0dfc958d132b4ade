// Package core is the client façade: it owns the config and the timeline
// and defers calls made before the client is configured.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loykin/analytics-go/internal/config"
	"github.com/loykin/analytics-go/internal/event"
	"github.com/loykin/analytics-go/internal/logger"
	"github.com/loykin/analytics-go/internal/metrics"
	"github.com/loykin/analytics-go/internal/plugin"
	"github.com/loykin/analytics-go/internal/timeline"
)

const DefaultName = "$default"

// State is the lifecycle of a Client.
type State int

const (
	// StateUninitialized: no config; every call is deferred.
	StateUninitialized State = iota
	// StateInitializing: config set, plugins being registered; dispatch is deferred.
	StateInitializing
	// StateReady: everything runs directly.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type opKind int

const (
	opAdd opKind = iota
	opRemove
	opSetOptOut
	opCall
)

// op is a deferred config-needing call.
type op struct {
	kind   opKind
	plugin plugin.Plugin
	name   string
	optOut bool
	fn     func(*config.Config)
}

type pendingDispatch struct {
	ev  *event.Event
	fut *event.Future
}

type Client struct {
	name     string
	timeline *timeline.Timeline

	mu        sync.Mutex
	state     State
	cfg       *config.Config
	replaying bool
	ops       []op
	dispatchQ []pendingDispatch
	logger    *slog.Logger
}

func New(name string) *Client {
	if name == "" {
		name = DefaultName
	}
	return &Client{name: name, timeline: timeline.New(nil), logger: logger.Discard()}
}

func (c *Client) Name() string { return c.name }

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Config returns the active config, or nil before Init.
func (c *Client) Config() *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Init installs cfg, resets the timeline and replays deferred config calls
// in call order. Errors from replayed calls are joined and returned.
func (c *Client) Init(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("core: nil config")
	}
	c.mu.Lock()
	c.cfg = cfg
	if cfg.Logger != nil {
		c.logger = cfg.Logger.With("client", c.name)
	}
	c.state = StateInitializing
	c.replaying = true
	c.timeline.SetLogger(c.logger)
	c.timeline.Reset()
	c.mu.Unlock()

	var errs []error
	for {
		c.mu.Lock()
		ops := c.ops
		c.ops = nil
		if len(ops) == 0 {
			c.replaying = false
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()
		for _, o := range ops {
			if err := c.run(ctx, cfg, o); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Start replays deferred dispatches in call order and moves to StateReady.
func (c *Client) Start() {
	for {
		c.mu.Lock()
		if c.cfg == nil {
			c.mu.Unlock()
			return
		}
		q := c.dispatchQ
		c.dispatchQ = nil
		if len(q) == 0 {
			c.state = StateReady
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		for _, p := range q {
			link(c.process(p.ev), p.fut)
		}
	}
}

func link(src, dst *event.Future) {
	if r, ok := src.Result(); ok {
		dst.Resolve(r)
		return
	}
	go func() {
		<-src.Done()
		r, _ := src.Result()
		dst.Resolve(r)
	}()
}

// deferOp queues o unless a config is installed and replay has finished.
// It returns the config to run o against when o was not queued.
func (c *Client) deferOp(o op) *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg == nil || c.replaying {
		c.ops = append(c.ops, o)
		return nil
	}
	return c.cfg
}

func (c *Client) run(ctx context.Context, cfg *config.Config, o op) error {
	switch o.kind {
	case opAdd:
		c.mu.Lock()
		tl := c.timeline
		c.mu.Unlock()
		return tl.Register(ctx, o.plugin, cfg)
	case opRemove:
		c.mu.Lock()
		tl := c.timeline
		c.mu.Unlock()
		tl.Deregister(o.name)
	case opSetOptOut:
		cfg.SetOptOut(o.optOut)
	case opCall:
		o.fn(cfg)
	}
	return nil
}

// Add registers p. Before Init the call is deferred and returns nil.
func (c *Client) Add(ctx context.Context, p plugin.Plugin) error {
	o := op{kind: opAdd, plugin: p}
	if cfg := c.deferOp(o); cfg != nil {
		return c.run(ctx, cfg, o)
	}
	return nil
}

// Remove deregisters the plugin called name.
func (c *Client) Remove(name string) {
	o := op{kind: opRemove, name: name}
	if cfg := c.deferOp(o); cfg != nil {
		_ = c.run(context.Background(), cfg, o)
	}
}

func (c *Client) SetOptOut(v bool) {
	o := op{kind: opSetOptOut, optOut: v}
	if cfg := c.deferOp(o); cfg != nil {
		_ = c.run(context.Background(), cfg, o)
	}
}

// WhenConfigured runs fn with the config now, or after Init when there is
// none yet.
func (c *Client) WhenConfigured(fn func(*config.Config)) {
	o := op{kind: opCall, fn: fn}
	if cfg := c.deferOp(o); cfg != nil {
		_ = c.run(context.Background(), cfg, o)
	}
}

// Plugins lists the registered plugins.
func (c *Client) Plugins() []plugin.Plugin {
	c.mu.Lock()
	tl := c.timeline
	c.mu.Unlock()
	return tl.Plugins()
}

// Dispatch sends ev through the timeline. Before Start it is queued. The
// returned Future always settles; failures are Results with code 0.
func (c *Client) Dispatch(ev *event.Event) *event.Future {
	if ev == nil {
		return event.Resolved(event.BuildResult(nil, 0, event.UnexpectedErrorMessage, nil))
	}
	c.mu.Lock()
	if c.state != StateReady {
		fut := event.NewFuture(ev.ID)
		c.dispatchQ = append(c.dispatchQ, pendingDispatch{ev: ev, fut: fut})
		c.mu.Unlock()
		return fut
	}
	c.mu.Unlock()
	return c.process(ev)
}

func (c *Client) process(ev *event.Event) (fut *event.Future) {
	c.mu.Lock()
	cfg, tl, log := c.cfg, c.timeline, c.logger
	c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			log.Error("dispatch failed", "error", msg)
			fut = event.Resolved(event.BuildResult(ev, 0, msg, nil))
		}
	}()

	if cfg.OptOut() {
		metrics.IncOptedOut()
		return event.Resolved(event.BuildResult(ev, 0, event.OptOutMessage, nil))
	}
	metrics.IncDispatched(string(ev.EventType))
	return tl.Push(ev).Then(func(r event.Result) event.Result {
		if r.Code == 200 {
			log.Info(r.Message, "event_id", r.ID, "code", r.Code)
		} else {
			log.Error(r.Message, "event_id", r.ID, "code", r.Code)
		}
		return r
	})
}

// Track dispatches an activity event. The Future's ID is the event id.
func (c *Client) Track(name string, props, predefined event.Properties) *event.Future {
	return c.Dispatch(event.NewTrack(name, props, predefined))
}

// Log dispatches a generation event.
func (c *Client) Log(name string, props, predefined event.Properties) *event.Future {
	return c.Dispatch(event.NewLog(name, props, predefined))
}

// Feedback dispatches a feedback event.
func (c *Client) Feedback(name string, props, predefined event.Properties) *event.Future {
	return c.Dispatch(event.NewFeedback(name, props, predefined))
}

func (c *Client) Register(distinctID string) *event.Future {
	return c.Dispatch(event.NewIdentifyRegister(distinctID))
}

func (c *Client) Identify(alias string, traits *event.Identify, predefined event.Properties) *event.Future {
	return c.Dispatch(event.NewIdentifyUser(alias, traits, predefined))
}

func (c *Client) Alias(alias, distinctID string) *event.Future {
	return c.Dispatch(event.NewIdentifyAlias(alias, distinctID))
}

// Flush pushes out everything queued in the timeline and destinations.
func (c *Client) Flush(ctx context.Context) error {
	c.mu.Lock()
	tl, configured := c.timeline, c.cfg != nil
	c.mu.Unlock()
	if !configured {
		return nil
	}
	return tl.Flush(ctx)
}

// Shutdown flushes, then closes every plugin that holds resources.
func (c *Client) Shutdown(ctx context.Context) error {
	errs := []error{c.Flush(ctx)}
	for _, p := range c.Plugins() {
		if cl, ok := p.(plugin.Closer); ok {
			if err := cl.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", p.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
