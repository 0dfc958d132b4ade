// Package analytics is the embeddable event-tracking client. A Client batches
// activities, generations, feedbacks and identities, keeps the user session in
// a Storage backend and delivers everything through a Transport with retries.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/analytics-go/internal/config"
	"github.com/loykin/analytics-go/internal/core"
	"github.com/loykin/analytics-go/internal/destination"
	"github.com/loykin/analytics-go/internal/event"
	"github.com/loykin/analytics-go/internal/history"
	histfactory "github.com/loykin/analytics-go/internal/history/factory"
	"github.com/loykin/analytics-go/internal/logger"
	"github.com/loykin/analytics-go/internal/metrics"
	"github.com/loykin/analytics-go/internal/plugin"
	"github.com/loykin/analytics-go/internal/predefined"
	"github.com/loykin/analytics-go/internal/session"
	"github.com/loykin/analytics-go/internal/storage"
	"github.com/loykin/analytics-go/internal/storage/factory"
	"github.com/loykin/analytics-go/internal/transport"
	"github.com/loykin/analytics-go/internal/transport/natsbus"
)

// Re-export the types callers need to build events and plugins.

type Properties = event.Properties

type Result = event.Result

type Future = event.Future

type Event = event.Event

type Identify = event.Identify

type Plugin = plugin.Plugin

type Transport = transport.Transport

type Response = transport.Response

type Storage = storage.Storage

type HistorySink = history.Sink

type ServerZone = config.ServerZone

type LogLevel = logger.Level

type TrackingOptions = predefined.TrackingOptions

type TLSConfig = transport.TLSConfig

const (
	ZoneUS = config.ZoneUS
	ZoneEU = config.ZoneEU
)

func NewIdentify() *Identify { return event.NewIdentify() }

var (
	// ErrAliasNotSet is returned by Identify when neither an alias nor a user
	// id is available.
	ErrAliasNotSet = errors.New("alias is not set: pass one to Identify or set a user id")
	// ErrInitInProgress is returned when Init is called while another Init runs.
	ErrInitInProgress = errors.New("init already in progress")
)

// Options configure a Client. Zero values take the defaults of internal/config.
type Options struct {
	ServerURL       string
	ServerZone      ServerZone
	UseBatch        bool
	FlushInterval   time.Duration
	FlushMaxRetries int
	FlushQueueSize  int
	OptOut          bool
	AppVersion      string
	SessionTimeout  time.Duration

	LogLevel LogLevel
	Logger   *slog.Logger

	// Storage wins over StorageDSN; both empty keeps state in memory.
	Storage    Storage
	StorageDSN string

	// History wins over HistoryDSN. Either way records are written
	// asynchronously.
	History    HistorySink
	HistoryDSN string

	// Transport wins over NATSURL; both empty selects HTTP.
	Transport   Transport
	HTTPTimeout time.Duration
	TLS         *TLSConfig
	NATSURL     string
	NATSPrefix  string

	// Identity overrides; empty values keep the stored session.
	DistinctID string
	UserID     string
	DeviceID   string

	Tracking TrackingOptions
}

// Client is one analytics instance. The zero value is not usable; call New.
type Client struct {
	core         *core.Client
	initializing atomic.Bool

	mu       sync.RWMutex
	session  *session.Manager
	closers  []func() error
	shutdown bool
}

var (
	instancesMu sync.Mutex
	instances   = map[string]*Client{}
)

// New creates an uninitialized client. Calls made before Init are queued and
// replayed in order once Init completes.
func New(name string) *Client {
	return &Client{core: core.New(name)}
}

// Instance returns the shared client called name, creating it on first use.
func Instance(name string) *Client {
	if name == "" {
		name = core.DefaultName
	}
	instancesMu.Lock()
	defer instancesMu.Unlock()
	c, ok := instances[name]
	if !ok {
		c = New(name)
		instances[name] = c
	}
	return c
}

func (c *Client) Name() string { return c.core.Name() }

// Init configures the client and starts delivery. Errors from calls queued
// before Init are returned joined; the client is usable regardless.
func (c *Client) Init(ctx context.Context, projectToken string, o Options) error {
	if !c.initializing.CompareAndSwap(false, true) {
		return ErrInitInProgress
	}
	defer c.initializing.Store(false)
	if c.core.Config() != nil {
		return errors.New("client already initialized")
	}

	log := o.Logger
	if log == nil {
		log = logger.Config{Slog: logger.SlogConfig{Level: valOr(o.LogLevel, config.DefaultLogLevel)}}.NewSlogger()
	}
	log = log.With("client", c.core.Name())

	var closers []func() error
	fail := func(err error) error {
		for _, fn := range closers {
			_ = fn()
		}
		return err
	}

	store := o.Storage
	if store == nil {
		if o.StorageDSN == "" {
			store = storage.NewMemory()
		} else {
			s, err := factory.NewFromDSN(ctx, o.StorageDSN)
			if err != nil {
				return fail(fmt.Errorf("open storage: %w", err))
			}
			store = s
			closers = append(closers, func() error { return storage.Close(s) })
		}
	}

	sink := o.History
	if sink == nil && o.HistoryDSN != "" {
		s, err := histfactory.NewSinkFromDSN(o.HistoryDSN)
		if err != nil {
			return fail(fmt.Errorf("open history: %w", err))
		}
		sink = s
		closers = append(closers, func() error { return history.Close(s) })
	}
	if sink != nil {
		async := history.NewAsync(sink, 0, log)
		sink = async
		// the async worker must drain before the sink underneath closes
		closers = append([]func() error{async.Close}, closers...)
	}

	tr := o.Transport
	if tr == nil {
		t, closeFn, err := newTransport(o, log)
		if err != nil {
			return fail(err)
		}
		tr = t
		if closeFn != nil {
			closers = append(closers, closeFn)
		}
	}

	sess := session.New(store, projectToken, log)
	if err := sess.Load(ctx); err != nil {
		return fail(fmt.Errorf("load session: %w", err))
	}
	sess.SetSession(func(s *session.UserSession) {
		s.DistinctID = firstNonEmpty(o.DistinctID, s.DistinctID, uuid.NewString())
		s.DeviceID = firstNonEmpty(o.DeviceID, s.DeviceID, uuid.NewString())
		s.UserID = firstNonEmpty(o.UserID, s.UserID)
		s.OptOut = s.OptOut || o.OptOut
	})

	cfg := config.New(projectToken, config.Options{
		FlushInterval:   o.FlushInterval,
		FlushMaxRetries: o.FlushMaxRetries,
		FlushQueueSize:  o.FlushQueueSize,
		LogLevel:        o.LogLevel,
		Logger:          log,
		OptOut:          sess.OptOut(),
		ServerURL:       o.ServerURL,
		ServerZone:      o.ServerZone,
		UseBatch:        o.UseBatch,
		AppVersion:      o.AppVersion,
		SessionTimeout:  o.SessionTimeout,
		Storage:         store,
		Transport:       tr,
		History:         sink,
	})

	c.mu.Lock()
	c.session = sess
	c.closers = closers
	c.mu.Unlock()

	var errs []error
	if err := c.core.Init(ctx, cfg); err != nil {
		errs = append(errs, err)
	}

	now := time.Now()
	sess.SetSession(func(s *session.UserSession) {
		if s.SessionID == 0 || predefined.Expired(*s, cfg.SessionTimeout, now) {
			s.SessionID = now.UnixMilli()
			s.LastEventTime = 0
		}
	})

	for _, p := range []plugin.Plugin{
		predefined.New(sess, o.Tracking),
		destination.NewActivity(destination.Options{}),
		destination.NewGeneration(destination.Options{}),
		destination.NewFeedback(destination.Options{}),
		destination.NewIdentify(destination.Options{}),
	} {
		if err := c.core.Add(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("add %s: %w", p.Name(), err))
		}
	}

	c.core.Start()
	c.Register()
	log.Debug("client initialized", "server_url", cfg.ServerURL, "distinct_id", sess.DistinctID())
	return errors.Join(errs...)
}

func newTransport(o Options, log *slog.Logger) (Transport, func() error, error) {
	if o.NATSURL != "" {
		nc := natsbus.DefaultConfig()
		nc.URL = o.NATSURL
		nc.Prefix = valOr(o.NATSPrefix, nc.Prefix)
		nc.Timeout = valOr(o.HTTPTimeout, nc.Timeout)
		nc.Logger = log
		t, err := natsbus.Connect(nc)
		if err != nil {
			return nil, nil, err
		}
		return t, t.Close, nil
	}
	t, err := transport.NewHTTP(transport.HTTPConfig{Timeout: o.HTTPTimeout, TLS: o.TLS, Logger: log})
	if err != nil {
		return nil, nil, fmt.Errorf("http transport: %w", err)
	}
	return t, nil, nil
}

// Add registers a custom plugin.
func (c *Client) Add(ctx context.Context, p Plugin) error { return c.core.Add(ctx, p) }

// Remove deregisters the plugin called name.
func (c *Client) Remove(name string) { c.core.Remove(name) }

func (c *Client) Track(name string, props Properties) *Future {
	return c.core.Track(name, props, nil)
}

func (c *Client) Log(name string, props Properties) *Future {
	return c.core.Log(name, props, nil)
}

func (c *Client) Feedback(name string, props Properties) *Future {
	return c.core.Feedback(name, props, nil)
}

// Register announces the current distinct id to the server.
func (c *Client) Register() *Future {
	ev := event.NewIdentifyRegister(c.DistinctID())
	c.fillDistinctID(ev)
	return c.core.Dispatch(ev)
}

// Alias links alias to the current distinct id.
func (c *Client) Alias(alias string) *Future {
	ev := event.NewIdentifyAlias(alias, c.DistinctID())
	c.fillDistinctID(ev)
	return c.core.Dispatch(ev)
}

// fillDistinctID completes an identify event built before Init once the
// session is loaded.
func (c *Client) fillDistinctID(ev *event.Event) {
	if ev.DistinctID != "" {
		return
	}
	c.core.WhenConfigured(func(*config.Config) {
		ev.DistinctID = c.DistinctID()
	})
}

// Identify associates the session with alias, or with the current user id
// when alias is empty. The alias becomes the user id and a distinct id in a
// successful response replaces the local one.
func (c *Client) Identify(alias string, traits *Identify) (*Future, error) {
	if alias == "" {
		alias = c.UserID()
	}
	if alias == "" {
		return nil, ErrAliasNotSet
	}
	c.SetUserID(alias)
	return c.core.Identify(alias, traits, nil).Then(func(r Result) Result {
		if r.Code < 200 || r.Code >= 300 {
			return r
		}
		if id, _ := r.Body["distinctId"].(string); id != "" {
			c.SetDistinctID(id)
		}
		return r
	}), nil
}

func (c *Client) sessionManager() *session.Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

func (c *Client) current() session.UserSession {
	if s := c.sessionManager(); s != nil {
		return s.Session()
	}
	return session.UserSession{}
}

// update applies fn to the session now, or once Init has loaded it.
func (c *Client) update(fn func(*session.UserSession)) {
	c.core.WhenConfigured(func(*config.Config) {
		if s := c.sessionManager(); s != nil {
			s.SetSession(fn)
		}
	})
}

func (c *Client) DistinctID() string { return c.current().DistinctID }
func (c *Client) UserID() string     { return c.current().UserID }
func (c *Client) DeviceID() string   { return c.current().DeviceID }
func (c *Client) SessionID() int64   { return c.current().SessionID }
func (c *Client) ThreadID() string   { return c.current().ThreadID }

func (c *Client) SetDistinctID(id string) {
	c.update(func(s *session.UserSession) { s.DistinctID = id })
}

func (c *Client) SetUserID(id string) {
	c.update(func(s *session.UserSession) { s.UserID = id })
}

func (c *Client) SetDeviceID(id string) {
	c.update(func(s *session.UserSession) { s.DeviceID = id })
}

// SetSessionID starts session id; the next event does not rotate it.
func (c *Client) SetSessionID(id int64) {
	c.update(func(s *session.UserSession) {
		s.SessionID = id
		s.LastEventTime = 0
	})
}

func (c *Client) SetThreadID(id string) {
	c.update(func(s *session.UserSession) {
		s.ThreadID = id
		s.LastEventTime = 0
	})
}

func (c *Client) ResetThreadID() { c.SetThreadID("") }

// Reset forgets the user: new distinct and device ids, no user id.
func (c *Client) Reset() {
	c.SetDistinctID(uuid.NewString())
	c.SetUserID("")
	c.SetDeviceID(uuid.NewString())
}

// SetOptOut stops (or resumes) delivery. The flag is persisted in the session.
func (c *Client) SetOptOut(v bool) {
	c.core.SetOptOut(v)
	c.update(func(s *session.UserSession) { s.OptOut = v })
}

func (c *Client) SetTransport(t Transport) {
	c.core.WhenConfigured(func(cfg *config.Config) { cfg.SetTransport(t) })
}

// Flush sends everything queued and waits for the outcome.
func (c *Client) Flush(ctx context.Context) error { return c.core.Flush(ctx) }

// Shutdown flushes, stops the destinations and releases storage, history and
// transport resources opened by Init.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	errs := []error{c.core.Shutdown(ctx)}
	for _, fn := range closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

// Metrics helpers

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
func MetricsHandler() http.Handler                  { return metrics.Handler() }

// ServeMetrics serves /metrics on addr from the default registry. It blocks.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

func valOr[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
