package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	analytics "github.com/loykin/analytics-go"
	"github.com/loykin/analytics-go/internal/collector"
	"github.com/loykin/analytics-go/internal/event"
	"github.com/loykin/analytics-go/internal/logger"
	"github.com/loykin/analytics-go/internal/plugin"
	"github.com/loykin/analytics-go/internal/storage"
	"github.com/loykin/analytics-go/internal/storage/factory"
	itls "github.com/loykin/analytics-go/internal/tls"
	"github.com/loykin/analytics-go/internal/transport/natsbus"
)

type command struct {
	global *GlobalFlags
	out    io.Writer
}

// load resolves the file configuration with flag overrides applied.
func (c command) load() (*analytics.FileConfig, error) {
	fc, err := analytics.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	if c.global.Token != "" {
		fc.ProjectToken = c.global.Token
	}
	if c.global.ServerURL != "" {
		fc.ServerURL = c.global.ServerURL
	}
	if c.global.StorageDSN != "" {
		fc.Storage.DSN = c.global.StorageDSN
	}
	if c.global.LogLevel != "" {
		fc.Log.Level = c.global.LogLevel
	}
	return fc, nil
}

// withClient initializes a client, runs fn and shuts the client down.
func (c command) withClient(fn func(ctx context.Context, cl *analytics.Client) (*analytics.Future, error)) error {
	fc, err := c.load()
	if err != nil {
		return err
	}
	if fc.ProjectToken == "" {
		return errors.New("project token required: use --token or project_token in the config")
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.global.Timeout)
	defer cancel()

	cl := analytics.New("cli")
	if err := cl.Init(ctx, fc.ProjectToken, analytics.OptionsFromFile(fc)); err != nil {
		_ = cl.Shutdown(context.Background())
		return err
	}
	fut, err := fn(ctx, cl)
	if err == nil {
		// send now instead of waiting for the flush interval
		_ = cl.Flush(ctx)
		var r analytics.Result
		r, err = fut.Wait(ctx)
		if err == nil {
			printJSON(c.out, r)
			if r.Code < 200 || r.Code >= 300 {
				err = fmt.Errorf("event %s not delivered: %s", r.ID, r.Message)
			}
		}
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	return errors.Join(err, cl.Shutdown(shutdownCtx))
}

func (c command) send(f EventFlags, fn func(cl *analytics.Client, name string, props analytics.Properties) *analytics.Future) error {
	props, err := parseProps(f.Props, f.PropsJSON)
	if err != nil {
		return err
	}
	return c.withClient(func(_ context.Context, cl *analytics.Client) (*analytics.Future, error) {
		return fn(cl, f.Name, props), nil
	})
}

func (c command) Track(f EventFlags) error    { return c.send(f, (*analytics.Client).Track) }
func (c command) Log(f EventFlags) error      { return c.send(f, (*analytics.Client).Log) }
func (c command) Feedback(f EventFlags) error { return c.send(f, (*analytics.Client).Feedback) }

func (c command) Identify(f IdentifyFlags) error {
	traits, err := parseProps(f.Traits, "")
	if err != nil {
		return err
	}
	id := analytics.NewIdentify()
	for k, v := range traits {
		id.Set(k, v)
	}
	return c.withClient(func(_ context.Context, cl *analytics.Client) (*analytics.Future, error) {
		return cl.Identify(f.Alias, id)
	})
}

func (c command) Alias(alias string) error {
	return c.withClient(func(_ context.Context, cl *analytics.Client) (*analytics.Future, error) {
		return cl.Alias(alias), nil
	})
}

// Queue prints the unsent events each destination persisted, by coverage.
func (c command) Queue(f QueueFlags) error {
	fc, err := c.load()
	if err != nil {
		return err
	}
	if fc.Storage.DSN == "" {
		return errors.New("storage DSN required: use --storage or [storage].dsn in the config")
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.global.Timeout)
	defer cancel()
	st, err := factory.NewFromDSN(ctx, fc.Storage.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = storage.Close(st) }()

	pending, err := unsentEvents(ctx, st, fc.ProjectToken)
	if err != nil {
		return err
	}
	printJSON(c.out, pending)
	if !f.Clear {
		return nil
	}
	for _, cov := range plugin.DestinationCoverages {
		if err := st.Remove(ctx, storage.UnsentKey(fc.ProjectToken, string(cov))); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

func unsentEvents(ctx context.Context, st storage.Storage, token string) (map[string][]*event.Event, error) {
	out := map[string][]*event.Event{}
	for _, cov := range plugin.DestinationCoverages {
		raw, err := st.Get(ctx, storage.UnsentKey(token, string(cov)))
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var evs []*event.Event
		if err := decodeJSON(raw, &evs); err != nil {
			return nil, fmt.Errorf("decode %s queue: %w", cov, err)
		}
		if len(evs) > 0 {
			out[string(cov)] = evs
		}
	}
	return out, nil
}

// Collector runs until ctx is done or the process is interrupted.
func (c command) Collector(ctx context.Context, f CollectorFlags) error {
	fc, err := c.load()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.Config{Slog: logger.SlogConfig{Level: logger.ParseLevel(fc.Log.Level), Format: logger.Format(fc.Log.Format)}}.NewSlogger()
	col := collector.New(collector.Options{
		ProjectToken: fc.ProjectToken,
		MaxBatchSize: f.MaxBatchSize,
		DailyQuota:   f.DailyQuota,
		Logger:       log,
	})

	tc := fc.Collector.TLS
	tlsConfig, err := itls.Setup(itls.ServerConfig{
		CertFile:     firstNonEmpty(f.TLSCert, tc.CertFile),
		KeyFile:      firstNonEmpty(f.TLSKey, tc.KeyFile),
		Dir:          firstNonEmpty(f.TLSDir, tc.Dir),
		AutoGenerate: f.TLSAuto || tc.AutoGenerate,
		MinVersion:   tc.MinVersion,
	})
	if err != nil {
		return fmt.Errorf("collector TLS: %w", err)
	}

	listen := firstNonEmpty(f.Listen, fc.Collector.Listen, ":8080")
	srv := collector.NewServer(listen, f.BasePath, col, tlsConfig)
	log.Info("collector listening", "addr", listen, "base_path", f.BasePath, "tls", tlsConfig != nil)

	if natsURL := firstNonEmpty(f.NATSURL, fc.Transport.NATSURL); natsURL != "" {
		nc, err := nats.Connect(natsURL)
		if err != nil {
			_ = srv.Close()
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer nc.Close()
		prefix := firstNonEmpty(f.NATSPrefix, fc.Transport.NATSPrefix, natsbus.DefaultPrefix)
		if _, err := col.ServeNATS(nc, prefix); err != nil {
			_ = srv.Close()
			return err
		}
		log.Info("collector answering NATS", "url", natsURL, "prefix", prefix)
	}

	if addr := firstNonEmpty(f.MetricsListen, fc.Metrics.Listen); addr != "" {
		if err := analytics.RegisterMetricsDefault(); err != nil {
			log.Warn("metrics registration failed", "error", err)
		}
		go func() {
			if err := analytics.ServeMetrics(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return shutdown(shutdownCtx, srv, log)
}

func shutdown(ctx context.Context, srv *http.Server, log *slog.Logger) error {
	log.Info("collector shutting down")
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
