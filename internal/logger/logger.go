package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Level is the SDK log level name.
type Level string

const (
	LevelNone  Level = "none"
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
)

// Format selects the slog handler.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseLevel accepts the level names case-insensitively, plus "verbose" as info.
// Unknown names fall back to warn.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "off":
		return LevelNone
	case "error":
		return LevelError
	case "info", "verbose":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelWarn
	}
}

// SlogLevel converts to a slog level. LevelNone maps above error.
func (l Level) SlogLevel() slog.Level {
	switch l {
	case LevelNone:
		return slog.LevelError + 4
	case LevelError:
		return slog.LevelError
	case LevelInfo:
		return slog.LevelInfo
	case LevelDebug:
		return slog.LevelDebug
	default:
		return slog.LevelWarn
	}
}

// SlogConfig controls handler selection.
type SlogConfig struct {
	Level  Level
	Format Format
	Color  bool
	Source bool
}

// FileConfig describes an optional rotating log file.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config is the logging configuration.
type Config struct {
	Slog SlogConfig
	File FileConfig
	// Output is used when File.Path is empty; defaults to stderr.
	Output io.Writer
}

// Writer returns the rotating file writer, or nil when no file is configured.
func (c Config) Writer() io.WriteCloser {
	if c.File.Path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   c.File.Path,
		MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.File.Compress,
	}
}

// NewSlogger builds a logger from the configuration.
func (c Config) NewSlogger() *slog.Logger {
	if c.Slog.Level == LevelNone {
		return Discard()
	}
	var w io.Writer = c.Output
	if fw := c.Writer(); fw != nil {
		w = fw
	}
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: c.Slog.Level.SlogLevel(), AddSource: c.Slog.Source}
	var h slog.Handler
	switch {
	case c.Slog.Format == FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case c.Slog.Color:
		h = NewColorTextHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
