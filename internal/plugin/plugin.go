// Package plugin defines the stages an event passes through.
package plugin

import (
	"context"

	"github.com/loykin/analytics-go/internal/config"
	"github.com/loykin/analytics-go/internal/event"
)

// Type is the pipeline stage a plugin runs in.
type Type string

const (
	TypeBefore      Type = "before"
	TypeEnrichment  Type = "enrichment"
	TypeDestination Type = "destination"
)

// Coverage restricts a plugin to one family of events.
type Coverage string

const (
	CoverageAll        Coverage = "all"
	CoverageActivity   Coverage = "activity"
	CoverageGeneration Coverage = "generation"
	CoverageFeedback   Coverage = "feedback"
	CoverageIdentify   Coverage = "identify"
	// CoverageUnknown is returned for event types without a coverage.
	CoverageUnknown Coverage = "unknown"
)

// DestinationCoverages is the order destinations are flushed in.
var DestinationCoverages = []Coverage{CoverageActivity, CoverageGeneration, CoverageFeedback, CoverageIdentify}

// CoverageFor maps an event type onto its coverage.
func CoverageFor(t event.Type) Coverage {
	switch t {
	case event.TypeTrack:
		return CoverageActivity
	case event.TypeLog:
		return CoverageGeneration
	case event.TypeFeedback:
		return CoverageFeedback
	case event.TypeIdentify:
		return CoverageIdentify
	default:
		return CoverageUnknown
	}
}

// Covers reports whether a plugin with coverage c handles events of type t.
func (c Coverage) Covers(t event.Type) bool {
	return c == CoverageAll || c == CoverageFor(t)
}

// Plugin is the common part of every plugin.
type Plugin interface {
	Name() string
	Type() Type
	Coverage() Coverage
	// Setup runs once when the plugin is registered.
	Setup(ctx context.Context, cfg *config.Config) error
}

// EventPlugin runs in the before or enrichment stage. It may modify and
// return the event it is given; returning a nil event keeps the input.
type EventPlugin interface {
	Plugin
	Execute(ctx context.Context, ev *event.Event) (*event.Event, error)
}

// Destination delivers events. Execute must not block on delivery: it
// returns a Future that settles when the event reaches a terminal state.
type Destination interface {
	Plugin
	Execute(ctx context.Context, ev *event.Event) *event.Future
	Flush(ctx context.Context) error
}

// Closer is implemented by plugins holding resources.
type Closer interface {
	Close() error
}
