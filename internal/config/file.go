package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. ANALYTICS_PROJECT_TOKEN.
const EnvPrefix = "ANALYTICS"

// FileConfig represents the top-level TOML structure.
type FileConfig struct {
	ProjectToken    string          `toml:"project_token" mapstructure:"project_token"`
	ServerURL       string          `toml:"server_url" mapstructure:"server_url"`
	ServerZone      string          `toml:"server_zone" mapstructure:"server_zone"`
	UseBatch        bool            `toml:"use_batch" mapstructure:"use_batch"`
	FlushInterval   time.Duration   `toml:"flush_interval" mapstructure:"flush_interval"`
	FlushMaxRetries int             `toml:"flush_max_retries" mapstructure:"flush_max_retries"`
	FlushQueueSize  int             `toml:"flush_queue_size" mapstructure:"flush_queue_size"`
	OptOut          bool            `toml:"opt_out" mapstructure:"opt_out"`
	AppVersion      string          `toml:"app_version" mapstructure:"app_version"`
	SessionTimeout  time.Duration   `toml:"session_timeout" mapstructure:"session_timeout"`
	EnvFiles        []string        `toml:"env_files" mapstructure:"env_files"`
	Log             LogConfig       `toml:"log" mapstructure:"log"`
	Storage         StorageConfig   `toml:"storage" mapstructure:"storage"`
	History         HistoryConfig   `toml:"history" mapstructure:"history"`
	Transport       TransportConfig `toml:"transport" mapstructure:"transport"`
	Collector       CollectorConfig `toml:"collector" mapstructure:"collector"`
	Metrics         MetricsConfig   `toml:"metrics" mapstructure:"metrics"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	File       string `toml:"file" mapstructure:"file"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type StorageConfig struct {
	// DSN selects the backend: memory://, sqlite://path, postgres://..., redis://...
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type HistoryConfig struct {
	// DSN selects the sink: sqlite://, postgres://, clickhouse://, opensearch+http(s)://
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type TransportConfig struct {
	// Type is "http" (default) or "nats".
	Type       string        `toml:"type" mapstructure:"type"`
	Timeout    time.Duration `toml:"timeout" mapstructure:"timeout"`
	CACert     string        `toml:"ca_cert" mapstructure:"ca_cert"`
	ClientCert string        `toml:"client_cert" mapstructure:"client_cert"`
	ClientKey  string        `toml:"client_key" mapstructure:"client_key"`
	ServerName string        `toml:"server_name" mapstructure:"server_name"`
	SkipVerify bool          `toml:"skip_verify" mapstructure:"skip_verify"`
	NATSURL    string        `toml:"nats_url" mapstructure:"nats_url"`
	NATSPrefix string        `toml:"nats_prefix" mapstructure:"nats_prefix"`
}

type CollectorConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
	// TLS serves HTTPS; an empty TLS.Dir and cert pair keeps plain HTTP.
	TLS CollectorTLSConfig `toml:"tls" mapstructure:"tls"`
}

type CollectorTLSConfig struct {
	Dir          string `toml:"dir" mapstructure:"dir"`
	CertFile     string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string `toml:"key_file" mapstructure:"key_file"`
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string `toml:"min_version" mapstructure:"min_version"`
}

type MetricsConfig struct {
	Listen string `toml:"listen" mapstructure:"listen"`
}

// TLSEnabled reports whether any TLS option is set.
func (t TransportConfig) TLSEnabled() bool {
	return t.CACert != "" || t.ClientCert != "" || t.ServerName != "" || t.SkipVerify
}

// keys with defaults so viper's AutomaticEnv can see them
var defaults = map[string]any{
	"project_token":               "",
	"server_url":                  "",
	"server_zone":                 string(ZoneUS),
	"use_batch":                   false,
	"flush_interval":              DefaultFlushInterval,
	"flush_max_retries":           DefaultFlushMaxRetries,
	"flush_queue_size":            DefaultFlushQueueSize,
	"opt_out":                     false,
	"app_version":                 "",
	"session_timeout":             DefaultSessionTimeout,
	"log.level":                   string(DefaultLogLevel),
	"log.format":                  "text",
	"log.color":                   false,
	"log.file":                    "",
	"log.max_size_mb":             0,
	"log.max_backups":             0,
	"log.max_age_days":            0,
	"log.compress":                false,
	"storage.dsn":                 "",
	"history.dsn":                 "",
	"transport.type":              "http",
	"transport.timeout":           10 * time.Second,
	"transport.ca_cert":           "",
	"transport.client_cert":       "",
	"transport.client_key":        "",
	"transport.server_name":       "",
	"transport.skip_verify":       false,
	"transport.nats_url":          "",
	"transport.nats_prefix":       "",
	"collector.listen":            ":8080",
	"collector.tls.dir":           "",
	"collector.tls.cert_file":     "",
	"collector.tls.key_file":      "",
	"collector.tls.auto_generate": false,
	"collector.tls.min_version":   "",
	"metrics.listen":              "",
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads a TOML file (path may be empty for defaults plus environment).
// Precedence, lowest first: defaults, file, env_files entries, process environment.
func Load(path string) (*FileConfig, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}
	for _, p := range v.GetStringSlice("env_files") {
		pairs, err := loadEnvFile(resolveRelative(path, p))
		if err != nil {
			return nil, err
		}
		prefix := EnvPrefix + "_"
		for k, val := range pairs {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			if _, set := os.LookupEnv(k); set {
				continue
			}
			key := strings.ToLower(strings.TrimPrefix(k, prefix))
			v.Set(envKeyToPath(key), val)
		}
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, err
	}
	return &fc, nil
}

// envKeyToPath maps "log_level" to "log.level" for sectioned keys.
func envKeyToPath(key string) string {
	for _, section := range []string{"log", "storage", "history", "transport", "collector_tls", "collector", "metrics"} {
		if strings.HasPrefix(key, section+"_") {
			return strings.ReplaceAll(section, "_", ".") + "." + strings.TrimPrefix(key, section+"_")
		}
	}
	return key
}

func resolveRelative(base, p string) string {
	if base == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(base), p)
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
