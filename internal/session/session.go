// Package session owns the pseudonymous device identity and the idle-bounded
// session lifecycle of the tracking client.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"hearthbeat/internal/constants"
	"hearthbeat/internal/logger"
	"hearthbeat/internal/storage"
	"hearthbeat/pkg/models"
)

// BoundaryEvent describes a session boundary (session_start, session_end).
// At is the event's occurred_at: last recorded activity for session_end, the
// triggering activity for session_start. The identity fields are a snapshot
// taken at emission time.
type BoundaryEvent struct {
	Name      string
	SessionID string
	AnonID    string
	UserID    string
	HasUser   bool
	At        time.Time
}

// Boundary receives session boundary events. It is invoked while the manager
// lock is held, so no concurrent activity can slip an event for the new
// session in ahead of its session_start; the sink must work from the
// snapshot and never call back into the Manager.
type Boundary func(ev BoundaryEvent)

type Manager struct {
	store    storage.Store
	log      logger.Logger
	idle     time.Duration
	boundary Boundary

	mu           sync.Mutex
	resets       []func(oldSessionID string)
	anonID       string
	sessionID    string
	lastActivity time.Time
	userID       string
	hasUser      bool
	restored     bool
}

func NewManager(store storage.Store, idle time.Duration, boundary Boundary, log logger.Logger) *Manager {
	if idle <= 0 {
		idle = constants.SessionIdleTimeout
	}
	return &Manager{
		store:    store,
		log:      log,
		idle:     idle,
		boundary: boundary,
	}
}

// OnReset registers session-scoped state to clear when a session ends:
// dedup flags, the active posting attempt.
func (m *Manager) OnReset(fn func(oldSessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets = append(m.resets, fn)
}

// AnonID returns the persisted device identifier, generating and persisting
// one if absent. It never fails; when storage is unavailable the id lives in
// memory only for the lifetime of this process.
func (m *Manager) AnonID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.anonIDLocked()
}

func (m *Manager) anonIDLocked() string {
	if m.anonID != "" {
		return m.anonID
	}

	value, ok, err := m.store.Get(constants.StorageKeyAnonID)
	if err != nil {
		m.log.Warnw("Anon id read failed, continuing memory-only", "error", err)
	}
	if ok && value != "" {
		m.anonID = value
		return m.anonID
	}

	m.anonID = uuid.NewString()
	m.persist(constants.StorageKeyAnonID, m.anonID)
	return m.anonID
}

// EnsureSession returns the active session id for an activity observed at
// now. A gap longer than the idle timeout closes the previous session
// (session_end timestamped at the last recorded activity), clears
// session-scoped state, and opens a new one (session_start timestamped at
// now). Boundary events go out before the lock is released, so session_start
// always reaches the sink ahead of any concurrent event for the new session.
func (m *Manager) EnsureSession(now time.Time) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restore()

	if m.sessionID != "" && now.Sub(m.lastActivity) <= m.idle {
		m.lastActivity = now
		m.persist(constants.StorageKeySessionActivity, now.Format(time.RFC3339Nano))
		return m.sessionID
	}

	anonID := m.anonIDLocked()

	if m.sessionID != "" {
		old := m.sessionID
		m.boundary(BoundaryEvent{
			Name:      models.EventSessionEnd,
			SessionID: old,
			AnonID:    anonID,
			UserID:    m.userID,
			HasUser:   m.hasUser,
			At:        m.lastActivity,
		})
		for _, reset := range m.resets {
			reset(old)
		}
	}

	sid := uuid.NewString()
	m.sessionID = sid
	m.lastActivity = now
	m.persist(constants.StorageKeySessionID, sid)
	m.persist(constants.StorageKeySessionActivity, now.Format(time.RFC3339Nano))
	m.boundary(BoundaryEvent{
		Name:      models.EventSessionStart,
		SessionID: sid,
		AnonID:    anonID,
		UserID:    m.userID,
		HasUser:   m.hasUser,
		At:        now,
	})

	return sid
}

// SetUserID attaches an authenticated identity to subsequently queued
// events. Memory-only: historical anonymous activity is never linked back.
func (m *Manager) SetUserID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userID = id
	m.hasUser = id != ""
}

func (m *Manager) ClearUserID() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userID = ""
	m.hasUser = false
}

func (m *Manager) UserID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID, m.hasUser
}

// restore picks up a previous session from storage so a restart inside the
// idle window continues the same session. Caller holds the lock.
func (m *Manager) restore() {
	if m.restored {
		return
	}
	m.restored = true

	sid, ok, err := m.store.Get(constants.StorageKeySessionID)
	if err != nil {
		m.log.Warnw("Session restore failed, continuing memory-only", "error", err)
		return
	}
	if !ok || sid == "" {
		return
	}

	raw, ok, err := m.store.Get(constants.StorageKeySessionActivity)
	if err != nil || !ok {
		return
	}
	last, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return
	}

	m.sessionID = sid
	m.lastActivity = last
}

func (m *Manager) persist(key, value string) {
	if err := m.store.Set(key, value); err != nil {
		m.log.Warnw("Session state write failed, continuing memory-only",
			"key", key,
			"error", err,
		)
	}
}
