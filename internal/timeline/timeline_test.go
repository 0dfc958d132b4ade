package timeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/analytics-go/internal/config"
	"github.com/loykin/analytics-go/internal/event"
	"github.com/loykin/analytics-go/internal/plugin"
)

type stubPlugin struct {
	name     string
	typ      plugin.Type
	setupErr error
	exec     func(context.Context, *event.Event) (*event.Event, error)
}

func (p *stubPlugin) Name() string                                { return p.name }
func (p *stubPlugin) Type() plugin.Type                           { return p.typ }
func (p *stubPlugin) Coverage() plugin.Coverage                   { return plugin.CoverageAll }
func (p *stubPlugin) Setup(context.Context, *config.Config) error { return p.setupErr }

func (p *stubPlugin) Execute(ctx context.Context, ev *event.Event) (*event.Event, error) {
	if p.exec == nil {
		return ev, nil
	}
	return p.exec(ctx, ev)
}

// bare implements only plugin.Plugin.
type bare struct{ typ plugin.Type }

func (b bare) Name() string                                { return "bare" }
func (b bare) Type() plugin.Type                           { return b.typ }
func (b bare) Coverage() plugin.Coverage                   { return plugin.CoverageAll }
func (b bare) Setup(context.Context, *config.Config) error { return nil }

type flushLog struct {
	mu    sync.Mutex
	names []string
}

func (l *flushLog) add(name string) {
	l.mu.Lock()
	l.names = append(l.names, name)
	l.mu.Unlock()
}

type stubDestination struct {
	name     string
	cov      plugin.Coverage
	respond  func(*event.Event) *event.Future
	flushErr error
	log      *flushLog

	mu     sync.Mutex
	events []*event.Event
}

func (d *stubDestination) Name() string                                { return d.name }
func (d *stubDestination) Type() plugin.Type                           { return plugin.TypeDestination }
func (d *stubDestination) Coverage() plugin.Coverage                   { return d.cov }
func (d *stubDestination) Setup(context.Context, *config.Config) error { return nil }

func (d *stubDestination) Execute(_ context.Context, ev *event.Event) *event.Future {
	d.mu.Lock()
	d.events = append(d.events, ev)
	d.mu.Unlock()
	if d.respond != nil {
		return d.respond(ev)
	}
	return event.Resolved(event.BuildResult(ev, 200, event.SuccessMessage, nil))
}

func (d *stubDestination) Flush(context.Context) error {
	if d.log != nil {
		d.log.add(d.name)
	}
	return d.flushErr
}

func (d *stubDestination) Events() []*event.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*event.Event(nil), d.events...)
}

func register(t *testing.T, tl *Timeline, p plugin.Plugin) {
	t.Helper()
	if err := tl.Register(context.Background(), p, config.New("token", config.Options{})); err != nil {
		t.Fatalf("register %s: %v", p.Name(), err)
	}
}

func wait(t *testing.T, f *event.Future) event.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("event %s did not settle: %v", f.ID(), err)
	}
	return r
}

func TestPushRunsStages(t *testing.T) {
	tl := New(nil)
	register(t, tl, &stubPlugin{name: "before", typ: plugin.TypeBefore, exec: func(_ context.Context, ev *event.Event) (*event.Event, error) {
		ev.Properties["stage"] = "before"
		return ev, nil
	}})
	register(t, tl, &stubPlugin{name: "enrich", typ: plugin.TypeEnrichment, exec: func(_ context.Context, ev *event.Event) (*event.Event, error) {
		ev.Properties["stage"] = ev.Properties["stage"].(string) + "+enrichment"
		return nil, nil
	}})
	dest := &stubDestination{name: "activity", cov: plugin.CoverageActivity}
	register(t, tl, dest)

	ev := event.NewTrack("click", event.Properties{"a": 1}, nil)
	r := wait(t, tl.Push(ev))
	if r.Code != 200 || r.ID != ev.ID {
		t.Fatalf("unexpected result: %+v", r)
	}
	got := dest.Events()
	if len(got) != 1 || got[0].Properties["stage"] != "before+enrichment" {
		t.Fatalf("destination saw %+v", got)
	}
	if _, ok := ev.Properties["stage"]; ok {
		t.Fatal("caller's event was mutated")
	}
}

func TestPushKeepsOrder(t *testing.T) {
	tl := New(nil)
	var mu sync.Mutex
	var seen []string
	register(t, tl, &stubPlugin{name: "recorder", typ: plugin.TypeBefore, exec: func(_ context.Context, ev *event.Event) (*event.Event, error) {
		mu.Lock()
		seen = append(seen, ev.EventName)
		mu.Unlock()
		return ev, nil
	}})
	register(t, tl, &stubDestination{name: "activity", cov: plugin.CoverageActivity})

	var futs []*event.Future
	for i := range 20 {
		futs = append(futs, tl.Push(event.NewTrack(fmt.Sprintf("e%d", i), nil, nil)))
	}
	for _, f := range futs {
		wait(t, f)
	}
	for i, name := range seen {
		if name != fmt.Sprintf("e%d", i) {
			t.Fatalf("position %d: got %s", i, name)
		}
	}
	if len(seen) != 20 {
		t.Fatalf("expected 20 events, got %d", len(seen))
	}
}

func TestUnsupportedAndUnrouted(t *testing.T) {
	tl := New(nil)
	dest := &stubDestination{name: "activity", cov: plugin.CoverageActivity}
	register(t, tl, dest)

	r := wait(t, tl.Push(&event.Event{ID: "x", EventType: "$unknown"}))
	if r.Code != 500 || r.Message != event.NotSupportedMessage {
		t.Fatalf("unexpected result: %+v", r)
	}
	r = wait(t, tl.Push(event.NewLog("gen", nil, nil)))
	if r.Code != 0 || r.Message != event.NoDestinationMessage {
		t.Fatalf("unexpected result: %+v", r)
	}
	if n := len(dest.Events()); n != 0 {
		t.Fatalf("destination should not be called, got %d", n)
	}
}

func TestFirstDestinationWins(t *testing.T) {
	tl := New(nil)
	slow := &stubDestination{name: "slow", cov: plugin.CoverageActivity, respond: func(ev *event.Event) *event.Future {
		f := event.NewFuture(ev.ID)
		time.AfterFunc(30*time.Millisecond, func() {
			f.Resolve(event.BuildResult(ev, 200, event.SuccessMessage, nil))
		})
		return f
	}}
	fast := &stubDestination{name: "fast", cov: plugin.CoverageActivity, respond: func(ev *event.Event) *event.Future {
		return event.Resolved(event.BuildResult(ev, 500, "boom", nil))
	}}
	all := &stubDestination{name: "all", cov: plugin.CoverageAll}
	register(t, tl, slow)
	register(t, tl, fast)
	register(t, tl, all)

	r := wait(t, tl.Push(event.NewTrack("click", nil, nil)))
	if r.Code != 200 {
		t.Fatalf("expected first registered destination's result, got %+v", r)
	}
	a, b, c := slow.Events(), fast.Events(), all.Events()
	if len(a) != 1 || len(b) != 1 || len(c) != 1 {
		t.Fatal("every matching destination should receive the event")
	}
	if a[0] == b[0] {
		t.Fatal("destinations should receive independent copies")
	}
}

func TestPluginFailureResolvesZero(t *testing.T) {
	tl := New(nil)
	fail := true
	register(t, tl, &stubPlugin{name: "flaky", typ: plugin.TypeBefore, exec: func(_ context.Context, ev *event.Event) (*event.Event, error) {
		if fail {
			fail = false
			return nil, errors.New("enrichment unavailable")
		}
		return ev, nil
	}})
	register(t, tl, &stubDestination{name: "activity", cov: plugin.CoverageActivity})

	r := wait(t, tl.Push(event.NewTrack("a", nil, nil)))
	if r.Code != 0 || r.Message != "enrichment unavailable" {
		t.Fatalf("unexpected result: %+v", r)
	}
	if r := wait(t, tl.Push(event.NewTrack("b", nil, nil))); r.Code != 200 {
		t.Fatalf("timeline should keep going: %+v", r)
	}
}

func TestPanicsBecomeResults(t *testing.T) {
	tl := New(nil)
	register(t, tl, &stubPlugin{name: "panicky", typ: plugin.TypeEnrichment, exec: func(_ context.Context, ev *event.Event) (*event.Event, error) {
		if ev.EventName == "bad" {
			panic("nil map")
		}
		return ev, nil
	}})
	register(t, tl, &stubDestination{name: "feedback", cov: plugin.CoverageFeedback, respond: func(*event.Event) *event.Future {
		panic("destination exploded")
	}})

	r := wait(t, tl.Push(event.NewFeedback("bad", nil, nil)))
	if r.Code != 0 || !strings.Contains(r.Message, "panicked") {
		t.Fatalf("unexpected result: %+v", r)
	}
	r = wait(t, tl.Push(event.NewFeedback("good", nil, nil)))
	if r.Code != 0 || !strings.Contains(r.Message, "destination exploded") {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestRegisterErrors(t *testing.T) {
	tl := New(nil)
	err := tl.Register(context.Background(), &stubPlugin{name: "broken", typ: plugin.TypeBefore, setupErr: errors.New("no config")}, nil)
	if err == nil || !strings.Contains(err.Error(), "no config") {
		t.Fatalf("expected setup error, got %v", err)
	}
	for _, typ := range []plugin.Type{plugin.TypeBefore, plugin.TypeDestination, "other"} {
		if err := tl.Register(context.Background(), bare{typ: typ}, nil); err == nil {
			t.Fatalf("expected error registering bare %s plugin", typ)
		}
	}
	if n := len(tl.Plugins()); n != 0 {
		t.Fatalf("failed plugins must not be registered, got %d", n)
	}
}

func TestDeregister(t *testing.T) {
	tl := New(nil)
	register(t, tl, &stubPlugin{name: "a", typ: plugin.TypeBefore})
	register(t, tl, &stubDestination{name: "b", cov: plugin.CoverageActivity})

	tl.Deregister("a")
	tl.Deregister("a")
	tl.Deregister("missing")
	ps := tl.Plugins()
	if len(ps) != 1 || ps[0].Name() != "b" {
		t.Fatalf("unexpected plugins: %v", ps)
	}
	tl.Deregister("b")
	if r := wait(t, tl.Push(event.NewTrack("x", nil, nil))); r.Message != event.NoDestinationMessage {
		t.Fatalf("deregistered destination still routed: %+v", r)
	}
}

func TestFlushOrderAndErrors(t *testing.T) {
	tl := New(nil)
	log := &flushLog{}
	for _, cov := range []plugin.Coverage{plugin.CoverageIdentify, plugin.CoverageAll, plugin.CoverageFeedback, plugin.CoverageActivity, plugin.CoverageGeneration} {
		d := &stubDestination{name: string(cov), cov: cov, log: log}
		if cov == plugin.CoverageFeedback {
			d.flushErr = errors.New("disk full")
		}
		register(t, tl, d)
	}

	err := tl.Flush(context.Background())
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected joined flush error, got %v", err)
	}
	want := []string{"activity", "generation", "feedback", "identify", "all"}
	if strings.Join(log.names, ",") != strings.Join(want, ",") {
		t.Fatalf("flush order %v, want %v", log.names, want)
	}
}

func TestFlushAppliesQueued(t *testing.T) {
	tl := New(nil)
	dest := &stubDestination{name: "activity", cov: plugin.CoverageActivity}
	register(t, tl, dest)

	futs := []*event.Future{tl.Push(event.NewTrack("a", nil, nil)), tl.Push(event.NewTrack("b", nil, nil))}
	if err := tl.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	for _, f := range futs {
		if r := wait(t, f); r.Code != 200 {
			t.Fatalf("unexpected result: %+v", r)
		}
	}
	if n := len(dest.Events()); n != 2 {
		t.Fatalf("expected 2 events, got %d", n)
	}
}

func TestReset(t *testing.T) {
	tl := New(nil)
	register(t, tl, &stubDestination{name: "activity", cov: plugin.CoverageActivity})
	tl.Reset()
	if n := len(tl.Plugins()); n != 0 {
		t.Fatalf("expected no plugins, got %d", n)
	}
	if r := wait(t, tl.Push(event.NewTrack("x", nil, nil))); r.Message != event.NoDestinationMessage {
		t.Fatalf("unexpected result: %+v", r)
	}
}
