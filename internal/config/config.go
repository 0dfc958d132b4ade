package config

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/loykin/analytics-go/internal/history"
	"github.com/loykin/analytics-go/internal/logger"
	"github.com/loykin/analytics-go/internal/storage"
	"github.com/loykin/analytics-go/internal/transport"
)

// ServerZone picks the default ingestion host.
type ServerZone string

const (
	ZoneUS ServerZone = "US"
	ZoneEU ServerZone = "EU"
)

// Ingestion hosts by zone and batch mode.
const (
	ServerURL        = "http://localhost:8080"
	EUServerURL      = "https://ingest-dev.coxwave.com"
	BatchServerURL   = "https://ingest-dev.coxwave.com"
	EUBatchServerURL = "https://ingest-dev.coxwave.com"
)

// Defaults applied by New to zero-valued options.
const (
	DefaultFlushMaxRetries = 12
	DefaultFlushQueueSize  = 200
	DefaultFlushInterval   = 10 * time.Second
	DefaultSessionTimeout  = 30 * time.Minute
	DefaultLogLevel        = logger.LevelWarn
	DefaultLibrary         = "analytics-go"
)

// Options are the caller-supplied settings; zero values take defaults.
type Options struct {
	FlushInterval   time.Duration
	FlushMaxRetries int
	FlushQueueSize  int
	LogLevel        logger.Level
	Logger          *slog.Logger
	OptOut          bool
	ServerURL       string
	ServerZone      ServerZone
	UseBatch        bool
	Library         string
	AppVersion      string
	SessionTimeout  time.Duration
	// Storage persists unsent events; nil disables persistence.
	Storage   storage.Storage
	Transport transport.Transport
	// History receives every terminal delivery result; nil disables it.
	History history.Sink
}

// Config is created once per client. Fields other than OptOut and Transport
// are fixed after New; those two change only through their setters.
type Config struct {
	ProjectToken    string
	FlushInterval   time.Duration
	FlushMaxRetries int
	FlushQueueSize  int
	LogLevel        logger.Level
	Logger          *slog.Logger
	// ServerURL is the resolved ingestion base URL.
	ServerURL string
	// ServerZone is empty when ServerURL was given explicitly.
	ServerZone     ServerZone
	UseBatch       bool
	Library        string
	AppVersion     string
	SessionTimeout time.Duration
	Storage        storage.Storage
	History        history.Sink

	mu        sync.RWMutex
	optOut    bool
	transport transport.Transport
}

// New builds a Config from options.
func New(projectToken string, o Options) *Config {
	c := &Config{
		ProjectToken:    projectToken,
		FlushInterval:   valOr(o.FlushInterval, DefaultFlushInterval),
		FlushMaxRetries: valOr(o.FlushMaxRetries, DefaultFlushMaxRetries),
		FlushQueueSize:  valOr(o.FlushQueueSize, DefaultFlushQueueSize),
		LogLevel:        valOr(o.LogLevel, DefaultLogLevel),
		Logger:          o.Logger,
		UseBatch:        o.UseBatch,
		Library:         valOr(o.Library, DefaultLibrary),
		AppVersion:      o.AppVersion,
		SessionTimeout:  valOr(o.SessionTimeout, DefaultSessionTimeout),
		Storage:         o.Storage,
		History:         o.History,
		optOut:          o.OptOut,
		transport:       o.Transport,
	}
	if c.Logger == nil {
		c.Logger = logger.Config{Slog: logger.SlogConfig{Level: c.LogLevel}}.NewSlogger()
	}
	c.ServerURL, c.ServerZone = ResolveServer(o.ServerURL, o.ServerZone, o.UseBatch)
	return c
}

// ResolveServer returns the explicit url when set, otherwise the url for
// zone and batch mode. Unknown zones fall back to US.
func ResolveServer(serverURL string, zone ServerZone, useBatch bool) (string, ServerZone) {
	if serverURL != "" {
		return serverURL, ""
	}
	if !slices.Contains([]ServerZone{ZoneUS, ZoneEU}, zone) {
		zone = ZoneUS
	}
	return ServerURLFor(zone, useBatch), zone
}

// ServerURLFor looks up the fixed host table.
func ServerURLFor(zone ServerZone, useBatch bool) string {
	if zone == ZoneEU {
		if useBatch {
			return EUBatchServerURL
		}
		return EUServerURL
	}
	if useBatch {
		return BatchServerURL
	}
	return ServerURL
}

func (c *Config) OptOut() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.optOut
}

func (c *Config) SetOptOut(v bool) {
	c.mu.Lock()
	c.optOut = v
	c.mu.Unlock()
}

func (c *Config) Transport() transport.Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transport
}

func (c *Config) SetTransport(t transport.Transport) {
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
}

func valOr[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
