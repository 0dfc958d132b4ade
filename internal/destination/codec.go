package destination

import (
	"fmt"
	"time"

	"github.com/loykin/analytics-go/internal/event"
	"github.com/loykin/analytics-go/internal/plugin"
)

// Ingestion endpoint paths.
const (
	ActivitiesPath       = "/events/activities"
	GenerationsPath      = "/events/generations"
	FeedbacksPath        = "/events/feedbacks"
	IdentifyRegisterPath = "/user-identities/init"
	IdentifyIdentifyPath = "/user-identities/identify"
	IdentifyAliasPath    = "/user-identities/alias"
)

// Codec turns queued events into a request for one coverage.
type Codec interface {
	Coverage() plugin.Coverage
	// Single reports whether every event travels in its own request and is
	// sent as soon as it is executed.
	Single() bool
	Endpoint(serverURL string, ev *event.Event) (string, error)
	Payload(evs []*event.Event) any
}

type batchCodec struct {
	coverage plugin.Coverage
	key      string
	path     string
}

// ActivityCodec batches $track events.
func ActivityCodec() Codec {
	return batchCodec{coverage: plugin.CoverageActivity, key: "activities", path: ActivitiesPath}
}

// GenerationCodec batches $log events.
func GenerationCodec() Codec {
	return batchCodec{coverage: plugin.CoverageGeneration, key: "generations", path: GenerationsPath}
}

// FeedbackCodec batches $feedback events.
func FeedbackCodec() Codec {
	return batchCodec{coverage: plugin.CoverageFeedback, key: "feedbacks", path: FeedbacksPath}
}

func (c batchCodec) Coverage() plugin.Coverage { return c.coverage }
func (c batchCodec) Single() bool              { return false }

func (c batchCodec) Endpoint(serverURL string, _ *event.Event) (string, error) {
	return serverURL + c.path, nil
}

func (c batchCodec) Payload(evs []*event.Event) any {
	list := make([]map[string]any, 0, len(evs))
	for _, ev := range evs {
		list = append(list, SyncFields(ev, time.Now()))
	}
	return map[string]any{c.key: list, "options": map[string]any{}}
}

// SyncFields flattens ev and copies the identity fields the ingestion
// service expects at the top level: distinctId, threadId, name and time.
// time falls back to now (unix millis) when $time is not set.
func SyncFields(ev *event.Event, now time.Time) map[string]any {
	m := ev.Fields()
	if v, ok := ev.Property(event.PropDistinctID); ok {
		m["distinctId"] = v
	}
	if v, ok := ev.Property(event.PropThreadID); ok {
		m["threadId"] = v
	}
	m["name"] = ev.EventName
	if v, ok := ev.Property(event.PropTime); ok && v != nil {
		m["time"] = v
	} else {
		m["time"] = now.UnixMilli()
	}
	return m
}

type identifyCodec struct{}

// IdentifyCodec sends identify-family events one per request.
func IdentifyCodec() Codec { return identifyCodec{} }

func (identifyCodec) Coverage() plugin.Coverage { return plugin.CoverageIdentify }
func (identifyCodec) Single() bool              { return true }

func (identifyCodec) Endpoint(serverURL string, ev *event.Event) (string, error) {
	switch ev.EventName {
	case event.NameRegister:
		return serverURL + IdentifyRegisterPath, nil
	case event.NameIdentify:
		return serverURL + IdentifyIdentifyPath, nil
	case event.NameAlias:
		return serverURL + IdentifyAliasPath, nil
	}
	return "", fmt.Errorf("unknown identify event name: %q", ev.EventName)
}

// Payload is the first event without its properties.
func (identifyCodec) Payload(evs []*event.Event) any {
	if len(evs) == 0 {
		return map[string]any{}
	}
	m := evs[0].Fields()
	delete(m, "properties")
	return m
}
