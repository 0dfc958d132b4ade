// Package destination delivers events to the ingestion service with
// batching, retries, backoff and a persisted queue.
package destination

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/analytics-go/internal/config"
	"github.com/loykin/analytics-go/internal/event"
	"github.com/loykin/analytics-go/internal/history"
	"github.com/loykin/analytics-go/internal/logger"
	"github.com/loykin/analytics-go/internal/metrics"
	"github.com/loykin/analytics-go/internal/plugin"
	"github.com/loykin/analytics-go/internal/storage"
)

const (
	DefaultRetryBaseDelay = time.Second
	DefaultThrottleDelay  = 30 * time.Second
)

// ErrClosed is the result message of events still pending when a
// destination is closed. They stay persisted and are resent on next Setup.
var ErrClosed = errors.New("destination closed")

// Options tune a destination; zero values take defaults.
type Options struct {
	Name string
	// RetryBaseDelay is multiplied by the attempt count for unclassified failures.
	RetryBaseDelay time.Duration
	// ThrottleDelay is applied to events the server marks as throttled.
	ThrottleDelay time.Duration
}

// envelope is one event in flight. It is only mutated by the run loop.
type envelope struct {
	ev       *event.Event
	attempts int
	delay    time.Duration
	fut      *event.Future
}

// Destination is a plugin.Destination backed by a single goroutine that
// owns the retry queue, the flush timer and the current batch size.
type Destination struct {
	name     string
	codec    Codec
	retry    time.Duration
	throttle time.Duration

	cfg        *config.Config
	logger     *slog.Logger
	storageKey string

	ctrl    chan ctrlMsg
	done    chan struct{}
	cancel  context.CancelFunc
	running atomic.Bool
	closed  atomic.Bool
	setup   sync.Once
	closing sync.Once

	// owned by run
	queue     []*envelope
	timer     *time.Timer
	timerGen  uint64
	batchSize int

	// ticks counts timer-driven flushes.
	ticks atomic.Uint64
}

var _ plugin.Destination = (*Destination)(nil)

// New creates a destination for codec. Setup must run before Execute.
func New(codec Codec, opts Options) *Destination {
	name := opts.Name
	if name == "" {
		name = string(codec.Coverage()) + "-destination"
	}
	d := &Destination{
		name:     name,
		codec:    codec,
		retry:    opts.RetryBaseDelay,
		throttle: opts.ThrottleDelay,
		logger:   logger.Discard(),
		ctrl:     make(chan ctrlMsg),
		done:     make(chan struct{}),
	}
	if d.retry <= 0 {
		d.retry = DefaultRetryBaseDelay
	}
	if d.throttle <= 0 {
		d.throttle = DefaultThrottleDelay
	}
	return d
}

func NewActivity(opts Options) *Destination   { return New(ActivityCodec(), opts) }
func NewGeneration(opts Options) *Destination { return New(GenerationCodec(), opts) }
func NewFeedback(opts Options) *Destination   { return New(FeedbackCodec(), opts) }
func NewIdentify(opts Options) *Destination   { return New(IdentifyCodec(), opts) }

func (d *Destination) Name() string              { return d.name }
func (d *Destination) Type() plugin.Type         { return plugin.TypeDestination }
func (d *Destination) Coverage() plugin.Coverage { return d.codec.Coverage() }

// StorageKey is the key the pending queue is persisted under.
func (d *Destination) StorageKey() string { return d.storageKey }

// Setup stores cfg, starts the run loop and resubmits any events persisted
// by a previous process. The persisted set is cleared before resubmission.
func (d *Destination) Setup(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("destination: nil config")
	}
	d.setup.Do(func() {
		d.cfg = cfg
		if cfg.Logger != nil {
			d.logger = cfg.Logger.With("destination", d.name)
		}
		d.storageKey = storage.UnsentKey(cfg.ProjectToken, string(d.codec.Coverage()))
		d.batchSize = max(cfg.FlushQueueSize, 1)

		unsent := d.loadUnsent(ctx)
		d.save(ctx)

		runCtx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		d.running.Store(true)
		go d.run(runCtx)

		if len(unsent) > 0 {
			d.logger.Info("resubmitting unsent events", "count", len(unsent))
		}
		for _, ev := range unsent {
			_ = d.Execute(ctx, ev)
		}
	})
	return nil
}

// Execute queues ev and returns a Future settled once ev reaches a
// terminal state.
func (d *Destination) Execute(_ context.Context, ev *event.Event) *event.Future {
	fut := event.NewFuture(ev.ID)
	switch {
	case d.closed.Load():
		fut.Resolve(event.BuildResult(ev, 0, ErrClosed.Error(), nil))
		return fut
	case !d.running.Load():
		fut.Resolve(event.BuildResult(ev, 0, event.ClientNotInitialized, nil))
		return fut
	}
	typ := ctrlAdd
	if d.codec.Single() {
		typ = ctrlSendNow
	}
	env := &envelope{ev: ev, fut: fut}
	if !d.post(ctrlMsg{typ: typ, envs: []*envelope{env}}) {
		fut.Resolve(event.BuildResult(ev, 0, ErrClosed.Error(), nil))
	}
	return fut
}

// Flush sends every event that is ready now without retrying and returns
// once those requests have settled. Delayed events stay queued.
func (d *Destination) Flush(ctx context.Context) error {
	if !d.running.Load() {
		return nil
	}
	reply := make(chan struct{})
	if !d.post(ctrlMsg{typ: ctrlFlush, reply: reply}) {
		return ErrClosed
	}
	select {
	case <-reply:
		return nil
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the run loop. Pending events are resolved with ErrClosed and
// remain in storage.
func (d *Destination) Close() error {
	d.closing.Do(func() {
		d.closed.Store(true)
		if !d.running.Load() {
			return
		}
		d.post(ctrlMsg{typ: ctrlShutdown})
		<-d.done
	})
	return nil
}

func (d *Destination) loadUnsent(ctx context.Context) []*event.Event {
	st := d.cfg.Storage
	if st == nil || !st.IsEnabled(ctx) {
		return nil
	}
	raw, err := st.Get(ctx, d.storageKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			d.logger.Warn("failed to read unsent events", "error", err)
		}
		return nil
	}
	var evs []*event.Event
	if err := json.Unmarshal(raw, &evs); err != nil {
		d.logger.Warn("discarding undecodable unsent events", "error", err)
		return nil
	}
	out := evs[:0]
	for _, ev := range evs {
		if ev != nil {
			out = append(out, ev)
		}
	}
	return out
}

// save overwrites the persisted snapshot with the current queue.
func (d *Destination) save(ctx context.Context) {
	metrics.SetQueueDepth(d.name, len(d.queue))
	st := d.cfg.Storage
	if st == nil || !st.IsEnabled(ctx) {
		return
	}
	evs := make([]*event.Event, 0, len(d.queue))
	for _, env := range d.queue {
		evs = append(evs, env.ev)
	}
	raw, err := json.Marshal(evs)
	if err != nil {
		d.logger.Error("failed to encode queue", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := st.Set(ctx, d.storageKey, raw); err != nil {
		d.logger.Warn("failed to persist queue", "error", err)
	}
}

func (d *Destination) record(ctx context.Context, env *envelope, r event.Result) {
	sink := d.cfg.History
	if sink == nil {
		return
	}
	rec := history.Record{
		OccurredAt:  time.Now().UTC(),
		Outcome:     history.OutcomeFor(r.Code),
		EventID:     env.ev.ID,
		EventType:   string(env.ev.EventType),
		EventName:   env.ev.EventName,
		DistinctID:  env.ev.StringProperty(event.PropDistinctID),
		Destination: d.name,
		Code:        r.Code,
		Message:     r.Message,
		Attempts:    env.attempts,
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sink.Send(ctx, rec); err != nil {
		d.logger.Warn("history send failed", "event_id", env.ev.ID, "error", err)
	}
}
