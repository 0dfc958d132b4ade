// Package predefined stamps SDK-owned "$" properties onto every event and
// keeps the time-based session alive.
package predefined

import (
	"context"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/loykin/analytics-go/internal/config"
	"github.com/loykin/analytics-go/internal/event"
	"github.com/loykin/analytics-go/internal/plugin"
	"github.com/loykin/analytics-go/internal/session"
)

const (
	Name     = "predefined"
	Platform = "Go"
)

// SessionStore is the part of the session manager the plugin needs.
type SessionStore interface {
	Session() session.UserSession
	SetSession(apply func(*session.UserSession))
}

// TrackingOptions switch individual environment properties off.
type TrackingOptions struct {
	DisablePlatform bool
	DisableOS       bool
	DisableLanguage bool
}

type Plugin struct {
	store SessionStore
	opts  TrackingOptions
	now   func() time.Time

	mu      sync.Mutex
	timeout time.Duration
	static  event.Properties
}

var _ plugin.EventPlugin = (*Plugin)(nil)

func New(store SessionStore, opts TrackingOptions) *Plugin {
	return &Plugin{store: store, opts: opts, now: time.Now}
}

func (p *Plugin) Name() string              { return Name }
func (p *Plugin) Type() plugin.Type         { return plugin.TypeBefore }
func (p *Plugin) Coverage() plugin.Coverage { return plugin.CoverageAll }

func (p *Plugin) Setup(_ context.Context, cfg *config.Config) error {
	static := event.Properties{event.PropLibrary: cfg.Library}
	if cfg.AppVersion != "" {
		static[event.PropAppVersion] = cfg.AppVersion
	}
	if !p.opts.DisablePlatform {
		static[event.PropPlatform] = Platform
	}
	if !p.opts.DisableOS {
		static[event.PropOSName] = runtime.GOOS
		static[event.PropOSVersion] = runtime.Version()
		static[event.PropDeviceModel] = runtime.GOARCH
	}
	if lang := Language(); lang != "" && !p.opts.DisableLanguage {
		static[event.PropLanguage] = lang
	}
	p.mu.Lock()
	p.timeout = cfg.SessionTimeout
	p.static = static
	p.mu.Unlock()
	return nil
}

// Execute extends or rotates the session and merges the predefined
// properties under the event's own properties.
func (p *Plugin) Execute(_ context.Context, ev *event.Event) (*event.Event, error) {
	now := p.now()
	p.mu.Lock()
	timeout := p.timeout
	props := make(event.Properties, len(p.static)+len(ev.Properties)+6)
	for k, v := range p.static {
		props[k] = v
	}
	p.mu.Unlock()

	var s session.UserSession
	p.store.SetSession(func(us *session.UserSession) {
		Touch(us, timeout, now)
		s = *us
	})

	setString(props, event.PropDistinctID, s.DistinctID)
	setString(props, event.PropUserID, s.UserID)
	setString(props, event.PropDeviceID, s.DeviceID)
	setString(props, event.PropThreadID, s.ThreadID)
	props[event.PropSessionID] = s.SessionID
	props[event.PropTime] = now.UnixMilli()
	for k, v := range ev.Properties {
		props[k] = v
	}
	ev.Properties = props
	return ev, nil
}

// Touch starts a new session when the last event is older than timeout (or
// there is no session yet) and records now as the last event time.
func Touch(s *session.UserSession, timeout time.Duration, now time.Time) (rotated bool) {
	ms := now.UnixMilli()
	if s.SessionID == 0 || Expired(*s, timeout, now) {
		s.SessionID = ms
		rotated = true
	}
	s.LastEventTime = ms
	return rotated
}

// Expired reports whether the session timed out. A session that never saw
// an event is not expired.
func Expired(s session.UserSession, timeout time.Duration, now time.Time) bool {
	if s.LastEventTime == 0 || timeout <= 0 {
		return false
	}
	return now.UnixMilli()-s.LastEventTime >= timeout.Milliseconds()
}

// Language derives a BCP 47 style tag from the POSIX locale variables.
func Language() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		v := os.Getenv(key)
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		if i := strings.IndexAny(v, ".@"); i >= 0 {
			v = v[:i]
		}
		return strings.ReplaceAll(v, "_", "-")
	}
	return ""
}

func setString(props event.Properties, key, v string) {
	if v != "" {
		props[key] = v
	}
}
