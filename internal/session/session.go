// Package session keeps the per-project user session in Storage.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/analytics-go/internal/storage"
)

const writeTimeout = 5 * time.Second

// UserSession is the persisted identity state.
type UserSession struct {
	DistinctID    string `json:"distinctId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	DeviceID      string `json:"deviceId,omitempty"`
	SessionID     int64  `json:"sessionId,omitempty"`
	ThreadID      string `json:"threadId,omitempty"`
	LastEventTime int64  `json:"lastEventTime,omitempty"`
	OptOut        bool   `json:"optOut"`
}

// Manager caches the session and writes the whole value back on every change.
type Manager struct {
	mu sync.RWMutex
	// wmu orders writes so storage always ends with the latest snapshot.
	wmu    sync.Mutex
	store  storage.Storage
	key    string
	cache  UserSession
	logger *slog.Logger
}

// New creates a manager for projectToken. Call Load before use.
func New(store storage.Storage, projectToken string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, key: storage.GetCookieName(projectToken), logger: logger}
}

// Key is the storage key the session lives under.
func (m *Manager) Key() string { return m.key }

// Load reads the stored session. A missing or undecodable value yields the
// empty session.
func (m *Manager) Load(ctx context.Context) error {
	raw, err := m.store.Get(ctx, m.key)
	var s UserSession
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return err
	default:
		if uerr := json.Unmarshal(raw, &s); uerr != nil {
			m.logger.Warn("discarding undecodable session", "key", m.key, "error", uerr)
			s = UserSession{}
		}
	}
	m.mu.Lock()
	m.cache = s
	m.mu.Unlock()
	return nil
}

// Session returns a copy of the cached session.
func (m *Manager) Session() UserSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache
}

// SetSession applies a partial update and persists the result.
func (m *Manager) SetSession(apply func(*UserSession)) {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	m.mu.Lock()
	apply(&m.cache)
	snapshot := m.cache
	m.mu.Unlock()
	m.persist(snapshot)
}

func (m *Manager) persist(s UserSession) {
	raw, err := json.Marshal(s)
	if err != nil {
		m.logger.Error("encode session", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := m.store.Set(ctx, m.key, raw); err != nil {
		m.logger.Error("persist session", "key", m.key, "error", err)
	}
}

func (m *Manager) DistinctID() string { return m.Session().DistinctID }

func (m *Manager) SetDistinctID(id string) {
	m.SetSession(func(s *UserSession) { s.DistinctID = id })
}

func (m *Manager) UserID() string { return m.Session().UserID }

func (m *Manager) SetUserID(id string) {
	m.SetSession(func(s *UserSession) { s.UserID = id })
}

func (m *Manager) DeviceID() string { return m.Session().DeviceID }

func (m *Manager) SetDeviceID(id string) {
	m.SetSession(func(s *UserSession) { s.DeviceID = id })
}

func (m *Manager) SessionID() int64 { return m.Session().SessionID }

func (m *Manager) SetSessionID(id int64) {
	m.SetSession(func(s *UserSession) { s.SessionID = id })
}

func (m *Manager) ThreadID() string { return m.Session().ThreadID }

func (m *Manager) SetThreadID(id string) {
	m.SetSession(func(s *UserSession) { s.ThreadID = id })
}

func (m *Manager) LastEventTime() int64 { return m.Session().LastEventTime }

func (m *Manager) SetLastEventTime(ms int64) {
	m.SetSession(func(s *UserSession) { s.LastEventTime = ms })
}

func (m *Manager) OptOut() bool { return m.Session().OptOut }

func (m *Manager) SetOptOut(v bool) {
	m.SetSession(func(s *UserSession) { s.OptOut = v })
}
