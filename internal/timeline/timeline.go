// Package timeline runs events through the plugin stages in push order.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/analytics-go/internal/config"
	"github.com/loykin/analytics-go/internal/event"
	"github.com/loykin/analytics-go/internal/logger"
	"github.com/loykin/analytics-go/internal/plugin"
)

type item struct {
	ev  *event.Event
	fut *event.Future
}

// Timeline applies queued events one at a time: before plugins, then
// enrichment plugins, then every matching destination. The next item's
// before stage starts only after the previous item has been handed to its
// destinations; destination delivery itself is not awaited.
type Timeline struct {
	mu       sync.Mutex
	queue    []item
	applying bool
	gen      uint64

	plugins      []plugin.Plugin
	before       []plugin.EventPlugin
	enrichment   []plugin.EventPlugin
	destinations []plugin.Destination

	logger *slog.Logger
}

func New(l *slog.Logger) *Timeline {
	if l == nil {
		l = logger.Discard()
	}
	return &Timeline{logger: l}
}

func (t *Timeline) SetLogger(l *slog.Logger) {
	if l == nil {
		l = logger.Discard()
	}
	t.mu.Lock()
	t.logger = l
	t.mu.Unlock()
}

// Register runs p.Setup and, if it succeeds, adds p to its stage.
func (t *Timeline) Register(ctx context.Context, p plugin.Plugin, cfg *config.Config) error {
	if err := p.Setup(ctx, cfg); err != nil {
		return fmt.Errorf("setup plugin %s: %w", p.Name(), err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch p.Type() {
	case plugin.TypeBefore, plugin.TypeEnrichment:
		ep, ok := p.(plugin.EventPlugin)
		if !ok {
			return fmt.Errorf("plugin %s: %s plugin must implement Execute", p.Name(), p.Type())
		}
		if p.Type() == plugin.TypeBefore {
			t.before = append(t.before, ep)
		} else {
			t.enrichment = append(t.enrichment, ep)
		}
	case plugin.TypeDestination:
		dp, ok := p.(plugin.Destination)
		if !ok {
			return fmt.Errorf("plugin %s: destination must implement Execute and Flush", p.Name())
		}
		t.destinations = append(t.destinations, dp)
	default:
		return fmt.Errorf("plugin %s: unknown type %q", p.Name(), p.Type())
	}
	t.plugins = append(t.plugins, p)
	return nil
}

// Deregister removes the first plugin called name. Unknown names are ignored.
func (t *Timeline) Deregister(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := slices.IndexFunc(t.plugins, func(p plugin.Plugin) bool { return p.Name() == name })
	if i < 0 {
		return
	}
	p := t.plugins[i]
	t.plugins = slices.Delete(t.plugins, i, i+1)
	t.before = removeFirst(t.before, p)
	t.enrichment = removeFirst(t.enrichment, p)
	t.destinations = removeFirst(t.destinations, p)
}

func removeFirst[T plugin.Plugin](list []T, p plugin.Plugin) []T {
	i := slices.IndexFunc(list, func(v T) bool { return plugin.Plugin(v) == p })
	if i < 0 {
		return list
	}
	return slices.Delete(list, i, i+1)
}

// Plugins returns the registered plugins in registration order.
func (t *Timeline) Plugins() []plugin.Plugin {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.plugins)
}

// Reset drops every plugin and the applying marker. Queued items stay queued
// and are applied by the next Push or Flush.
func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	t.applying = false
	t.plugins = nil
	t.before = nil
	t.enrichment = nil
	t.destinations = nil
}

// Push queues ev and returns a Future for its Result.
func (t *Timeline) Push(ev *event.Event) *event.Future {
	fut := event.NewFuture(ev.ID)
	t.mu.Lock()
	t.queue = append(t.queue, item{ev: ev, fut: fut})
	if !t.applying {
		t.applying = true
		go t.drain(t.gen)
	}
	t.mu.Unlock()
	return fut
}

func (t *Timeline) drain(gen uint64) {
	for {
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			return
		}
		if len(t.queue) == 0 {
			t.applying = false
			t.mu.Unlock()
			return
		}
		it := t.queue[0]
		t.queue = t.queue[1:]
		t.mu.Unlock()
		t.apply(context.Background(), it)
	}
}

// Flush applies everything queued so far, then flushes destinations one
// coverage at a time. Destinations of the same coverage flush concurrently.
func (t *Timeline) Flush(ctx context.Context) error {
	t.mu.Lock()
	swapped := t.queue
	t.queue = nil
	t.mu.Unlock()

	for _, it := range swapped {
		t.apply(ctx, it)
	}

	t.mu.Lock()
	dests := slices.Clone(t.destinations)
	log := t.logger
	t.mu.Unlock()

	var errs []error
	for _, cov := range append(slices.Clone(plugin.DestinationCoverages), plugin.CoverageAll) {
		var g errgroup.Group
		for _, d := range dests {
			if d.Coverage() != cov {
				continue
			}
			g.Go(func() error {
				if err := d.Flush(ctx); err != nil {
					log.Warn("destination flush failed", "destination", d.Name(), "error", err)
					return fmt.Errorf("flush %s: %w", d.Name(), err)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Timeline) apply(ctx context.Context, it item) {
	t.mu.Lock()
	before := slices.Clone(t.before)
	enrichment := slices.Clone(t.enrichment)
	dests := slices.Clone(t.destinations)
	log := t.logger
	t.mu.Unlock()

	ev := it.ev
	for _, stage := range [][]plugin.EventPlugin{before, enrichment} {
		for _, p := range stage {
			out, err := runPlugin(ctx, p, ev.Clone())
			if err != nil {
				log.Error("plugin failed", "plugin", p.Name(), "event_id", ev.ID, "error", err)
				it.fut.Resolve(event.BuildResult(ev, 0, err.Error(), nil))
				return
			}
			ev = out
		}
	}

	cov := plugin.CoverageFor(ev.EventType)
	if cov == plugin.CoverageUnknown {
		it.fut.Resolve(event.BuildResult(ev, 500, event.NotSupportedMessage, nil))
		return
	}
	var futs []*event.Future
	var names []string
	for _, d := range dests {
		if !d.Coverage().Covers(ev.EventType) {
			continue
		}
		futs = append(futs, executeDestination(ctx, d, ev.Clone()))
		names = append(names, d.Name())
	}
	if len(futs) == 0 {
		it.fut.Resolve(event.BuildResult(ev, 0, event.NoDestinationMessage, nil))
		return
	}
	go func() {
		for i, f := range futs {
			<-f.Done()
			if i == 0 {
				continue
			}
			if r, _ := f.Result(); r.Code < 200 || r.Code >= 300 {
				log.Warn("secondary destination failed", "destination", names[i], "event_id", r.ID, "code", r.Code, "message", r.Message)
			}
		}
		first, _ := futs[0].Result()
		it.fut.Resolve(first)
	}()
}

// runPlugin executes p and turns a panic into an error. A nil output keeps
// the input event.
func runPlugin(ctx context.Context, p plugin.EventPlugin, in *event.Event) (out *event.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("plugin %s panicked: %v", p.Name(), r)
		}
	}()
	out, err = p.Execute(ctx, in)
	if err == nil && out == nil {
		out = in
	}
	return out, err
}

func executeDestination(ctx context.Context, d plugin.Destination, ev *event.Event) (fut *event.Future) {
	defer func() {
		if r := recover(); r != nil {
			fut = event.Resolved(event.BuildResult(ev, 0, fmt.Sprintf("destination %s panicked: %v", d.Name(), r), nil))
		}
	}()
	fut = d.Execute(ctx, ev)
	if fut == nil {
		fut = event.Resolved(event.BuildResult(ev, 0, event.UnexpectedErrorMessage, nil))
	}
	return fut
}
