package analytics

import (
	"strings"

	"github.com/loykin/analytics-go/internal/config"
	"github.com/loykin/analytics-go/internal/logger"
)

type FileConfig = config.FileConfig

// LoadConfig reads a TOML file with ANALYTICS_* environment overrides. An
// empty path reads the environment only.
func LoadConfig(path string) (*FileConfig, error) { return config.Load(path) }

// OptionsFromFile maps a file configuration onto Options, building the
// logger it describes.
func OptionsFromFile(fc *FileConfig) Options {
	level := logger.ParseLevel(fc.Log.Level)
	o := Options{
		ServerURL:       fc.ServerURL,
		ServerZone:      ServerZone(strings.ToUpper(fc.ServerZone)),
		UseBatch:        fc.UseBatch,
		FlushInterval:   fc.FlushInterval,
		FlushMaxRetries: fc.FlushMaxRetries,
		FlushQueueSize:  fc.FlushQueueSize,
		OptOut:          fc.OptOut,
		AppVersion:      fc.AppVersion,
		SessionTimeout:  fc.SessionTimeout,
		LogLevel:        level,
		StorageDSN:      fc.Storage.DSN,
		HistoryDSN:      fc.History.DSN,
		HTTPTimeout:     fc.Transport.Timeout,
	}
	o.Logger = logger.Config{
		Slog: logger.SlogConfig{
			Level:  level,
			Format: logger.Format(strings.ToLower(fc.Log.Format)),
			Color:  fc.Log.Color || strings.EqualFold(fc.Log.Format, "color"),
		},
		File: logger.FileConfig{
			Path:       fc.Log.File,
			MaxSizeMB:  fc.Log.MaxSizeMB,
			MaxBackups: fc.Log.MaxBackups,
			MaxAgeDays: fc.Log.MaxAgeDays,
			Compress:   fc.Log.Compress,
		},
	}.NewSlogger()
	t := fc.Transport
	if strings.EqualFold(t.Type, "nats") {
		o.NATSURL = t.NATSURL
		o.NATSPrefix = t.NATSPrefix
	}
	if t.TLSEnabled() {
		o.TLS = &TLSConfig{
			CACert:     t.CACert,
			ClientCert: t.ClientCert,
			ClientKey:  t.ClientKey,
			ServerName: t.ServerName,
			SkipVerify: t.SkipVerify,
		}
	}
	return o
}
