package destination

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/loykin/analytics-go/internal/event"
	"github.com/loykin/analytics-go/internal/metrics"
	"github.com/loykin/analytics-go/internal/transport"
)

type ctrlType int

const (
	ctrlAdd ctrlType = iota
	ctrlSendNow
	ctrlTick
	ctrlReady
	ctrlOutcome
	ctrlFlush
	ctrlShutdown
)

// ctrlMsg is the only way into the run loop.
type ctrlMsg struct {
	typ   ctrlType
	envs  []*envelope
	gen   uint64
	out   *outcome
	reply chan struct{}
}

// outcome is a finished transport call handed back to the run loop.
type outcome struct {
	batch    []*envelope
	res      *transport.Response
	err      error
	useRetry bool
	group    *flushGroup
}

// flushGroup tracks the batches of one flush cycle.
type flushGroup struct {
	pending int
	reply   chan struct{}
	rearm   bool
}

// post hands msg to the run loop. It reports false once the loop has exited.
func (d *Destination) post(msg ctrlMsg) bool {
	select {
	case d.ctrl <- msg:
		return true
	case <-d.done:
		return false
	}
}

func (d *Destination) run(ctx context.Context) {
	defer close(d.done)
	for msg := range d.ctrl {
		switch msg.typ {
		case ctrlAdd:
			d.addToQueue(ctx, msg.envs...)
		case ctrlSendNow:
			for _, env := range msg.envs {
				d.launch(ctx, []*envelope{env}, true, nil)
			}
		case ctrlTick:
			if d.timer == nil || msg.gen != d.timerGen {
				continue
			}
			d.timer = nil
			d.ticks.Add(1)
			d.flush(ctx, true, &flushGroup{rearm: true})
		case ctrlReady:
			for _, env := range msg.envs {
				env.delay = 0
			}
			d.schedule(0)
		case ctrlOutcome:
			d.handleOutcome(ctx, msg.out)
		case ctrlFlush:
			d.flush(ctx, false, &flushGroup{reply: msg.reply})
		case ctrlShutdown:
			d.shutdown()
			return
		}
	}
}

func (d *Destination) shutdown() {
	d.clearSchedule()
	d.cancel()
	for _, env := range d.queue {
		env.fut.Resolve(event.BuildResult(env.ev, 0, ErrClosed.Error(), nil))
	}
	d.queue = nil
}

// addToQueue accepts envelopes for another attempt. Envelopes that have used
// up their attempts fail with 500.
func (d *Destination) addToQueue(ctx context.Context, envs ...*envelope) {
	for _, env := range envs {
		if env.attempts >= d.cfg.FlushMaxRetries {
			d.fulfill(ctx, []*envelope{env}, 500, event.MaxRetriesExceededMessage, nil)
			continue
		}
		env.attempts++
		d.queue = append(d.queue, env)
		if env.delay == 0 {
			d.schedule(d.cfg.FlushInterval)
			continue
		}
		time.AfterFunc(env.delay, func() {
			d.post(ctrlMsg{typ: ctrlReady, envs: []*envelope{env}})
		})
	}
	d.save(ctx)
}

// schedule arms the flush timer unless one is already armed.
func (d *Destination) schedule(delay time.Duration) {
	if d.timer != nil {
		return
	}
	d.timerGen++
	gen := d.timerGen
	d.timer = time.AfterFunc(delay, func() {
		d.post(ctrlMsg{typ: ctrlTick, gen: gen})
	})
}

func (d *Destination) clearSchedule() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// flush takes every ready envelope off the queue and sends it in batches.
func (d *Destination) flush(ctx context.Context, useRetry bool, g *flushGroup) {
	var ready, later []*envelope
	for _, env := range d.queue {
		if env.delay == 0 {
			ready = append(ready, env)
		} else {
			later = append(later, env)
		}
	}
	d.queue = later
	d.clearSchedule()

	size := d.batchSize
	if d.codec.Single() {
		size = 1
	}
	batches := slices.Collect(slices.Chunk(ready, max(size, 1)))
	g.pending = len(batches)
	if g.pending == 0 {
		d.finishGroup(g)
		return
	}
	for _, batch := range batches {
		d.launch(ctx, batch, useRetry, g)
	}
}

func (d *Destination) finishGroup(g *flushGroup) {
	if g.reply != nil {
		close(g.reply)
	}
	// delayed envelopes wake the loop themselves through ctrlReady
	if g.rearm && slices.ContainsFunc(d.queue, func(env *envelope) bool { return env.delay == 0 }) {
		d.schedule(d.cfg.FlushInterval)
	}
}

// launch starts one request. The result comes back as a ctrlOutcome.
func (d *Destination) launch(ctx context.Context, batch []*envelope, useRetry bool, g *flushGroup) {
	token := d.cfg.ProjectToken
	if token == "" {
		d.fulfill(ctx, batch, 400, event.MissingProjectTokenMessage, nil)
		d.groupDone(g)
		return
	}
	endpoint, err := d.codec.Endpoint(d.cfg.ServerURL, batch[0].ev)
	if err != nil {
		d.fulfill(ctx, batch, 0, err.Error(), nil)
		d.groupDone(g)
		return
	}
	evs := make([]*event.Event, len(batch))
	for i, env := range batch {
		evs[i] = env.ev
	}
	payload := d.codec.Payload(evs)
	tr := d.cfg.Transport()
	metrics.ObserveBatchSize(d.name, len(batch))

	go func() {
		start := time.Now()
		res, err := sendSafely(ctx, tr, endpoint, payload, token)
		status := "error"
		if res != nil {
			status = string(res.Status)
		}
		metrics.ObserveSend(d.name, status, time.Since(start).Seconds())
		out := &outcome{batch: batch, res: res, err: err, useRetry: useRetry, group: g}
		if !d.post(ctrlMsg{typ: ctrlOutcome, out: out}) {
			for _, env := range batch {
				env.fut.Resolve(event.BuildResult(env.ev, 0, ErrClosed.Error(), nil))
			}
		}
	}()
}

func sendSafely(ctx context.Context, tr transport.Transport, endpoint string, payload any, token string) (res *transport.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("transport panic: %v", r)
		}
	}()
	if tr == nil {
		return nil, nil
	}
	return tr.Send(ctx, endpoint, payload, token)
}

func (d *Destination) groupDone(g *flushGroup) {
	if g == nil {
		return
	}
	g.pending--
	if g.pending == 0 {
		d.finishGroup(g)
	}
}

func (d *Destination) handleOutcome(ctx context.Context, o *outcome) {
	defer d.groupDone(o.group)
	switch {
	case o.err != nil:
		d.fulfill(ctx, o.batch, 0, o.err.Error(), nil)
	case o.res == nil:
		d.fulfill(ctx, o.batch, 0, event.UnexpectedErrorMessage, nil)
	case !o.useRetry:
		d.fulfill(ctx, o.batch, o.res.StatusCode, finalMessage(o.res), o.res.Body)
	default:
		d.handleResponse(ctx, o.res, o.batch)
	}
}

// finalMessage is the result message of a send that is not retried.
func finalMessage(res *transport.Response) string {
	if !res.HasBody() {
		return string(res.Status)
	}
	body, err := json.MarshalIndent(res.Body, "", "  ")
	if err != nil {
		return string(res.Status) + ": "
	}
	return string(res.Status) + ": " + string(body)
}

func (d *Destination) handleResponse(ctx context.Context, res *transport.Response, batch []*envelope) {
	switch res.Status {
	case transport.StatusSuccess:
		d.fulfill(ctx, batch, res.StatusCode, event.SuccessMessage, res.Body)
	case transport.StatusInvalid:
		d.handleInvalid(ctx, res, batch)
	case transport.StatusPayloadTooLarge:
		d.handlePayloadTooLarge(ctx, res, batch)
	case transport.StatusRateLimit:
		d.handleRateLimit(ctx, res, batch)
	default:
		for _, env := range batch {
			env.delay = time.Duration(env.attempts) * d.retry
		}
		metrics.IncRetry(d.name, "backoff")
		d.logger.Debug("retrying batch", "status", res.Status, "code", res.StatusCode, "size", len(batch))
		d.addToQueue(ctx, batch...)
	}
}

func (d *Destination) handleInvalid(ctx context.Context, res *transport.Response, batch []*envelope) {
	body := res.Invalid
	if body == nil {
		body = &transport.InvalidBody{}
	}
	if body.MissingField != "" || strings.HasPrefix(body.Error, event.InvalidProjectToken) {
		d.fulfill(ctx, batch, res.StatusCode, body.Error, nil)
		return
	}
	drop := body.DropIndexes()
	retry := make([]*envelope, 0, len(batch))
	for i, env := range batch {
		if _, ok := drop[i]; ok {
			d.fulfill(ctx, []*envelope{env}, res.StatusCode, body.Error, nil)
			continue
		}
		retry = append(retry, env)
	}
	if len(retry) > 0 {
		metrics.IncRetry(d.name, "invalid")
	}
	d.addToQueue(ctx, retry...)
}

func (d *Destination) handlePayloadTooLarge(ctx context.Context, res *transport.Response, batch []*envelope) {
	if len(batch) == 1 {
		msg := ""
		if res.PayloadTooLarge != nil {
			msg = res.PayloadTooLarge.Error
		}
		d.fulfill(ctx, batch, res.StatusCode, msg, nil)
		return
	}
	d.batchSize = max(d.batchSize/2, 1)
	metrics.IncBatchShrink(d.name)
	metrics.IncRetry(d.name, "payload_too_large")
	d.logger.Info("payload too large, shrinking batch", "batch_size", d.batchSize)
	d.addToQueue(ctx, batch...)
}

func (d *Destination) handleRateLimit(ctx context.Context, res *transport.Response, batch []*envelope) {
	body := res.RateLimit
	if body == nil {
		body = &transport.RateLimitBody{}
	}
	throttled := make(map[int]struct{}, len(body.ThrottledEvents))
	for _, i := range body.ThrottledEvents {
		throttled[i] = struct{}{}
	}
	retry := make([]*envelope, 0, len(batch))
	for i, env := range batch {
		if id := env.ev.StringProperty(event.PropDistinctID); id != "" {
			if _, ok := body.ExceededDailyQuotaDevices[id]; ok {
				d.fulfill(ctx, []*envelope{env}, res.StatusCode, body.Error, nil)
				continue
			}
		}
		if _, ok := throttled[i]; ok {
			env.delay = d.throttle
		}
		retry = append(retry, env)
	}
	if len(retry) > 0 {
		metrics.IncRetry(d.name, "rate_limit")
	}
	d.addToQueue(ctx, retry...)
}

// fulfill persists the queue then settles every envelope in batch.
func (d *Destination) fulfill(ctx context.Context, batch []*envelope, code int, message string, body map[string]any) {
	d.save(ctx)
	for _, env := range batch {
		if _, settled := env.fut.Result(); settled {
			continue
		}
		r := event.BuildResult(env.ev, code, message, body)
		metrics.IncResult(d.name, code)
		d.logger.Debug("event settled", "event_id", env.ev.ID, "code", code, "attempts", env.attempts)
		d.record(ctx, env, r)
		env.fut.Resolve(r)
	}
}
