package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearthbeat/internal/logger"
	"hearthbeat/internal/storage"
	"hearthbeat/pkg/models"
)

type boundaryRecorder struct {
	events []BoundaryEvent
}

func (r *boundaryRecorder) record(ev BoundaryEvent) {
	r.events = append(r.events, ev)
}

type failingStore struct{}

func (failingStore) Get(string) (string, bool, error) { return "", false, errors.New("storage down") }
func (failingStore) Set(string, string) error         { return errors.New("storage down") }
func (failingStore) Delete(string) error              { return errors.New("storage down") }
func (failingStore) DeletePrefix(string) error        { return errors.New("storage down") }
func (failingStore) Close() error                     { return nil }

func newTestManager(t *testing.T, store storage.Store) (*Manager, *boundaryRecorder) {
	t.Helper()
	rec := &boundaryRecorder{}
	m := NewManager(store, 30*time.Minute, rec.record, logger.NopLogger())
	return m, rec
}

func TestAnonIDIsStableAndPersisted(t *testing.T) {
	store := storage.NewMemoryStore()
	m, _ := newTestManager(t, store)

	first := m.AnonID()
	require.NotEmpty(t, first)
	assert.Equal(t, first, m.AnonID())

	// A second manager over the same store sees the same device id.
	m2, _ := newTestManager(t, store)
	assert.Equal(t, first, m2.AnonID())
}

func TestAnonIDSurvivesStorageFailure(t *testing.T) {
	m, _ := newTestManager(t, failingStore{})

	id := m.AnonID()
	assert.NotEmpty(t, id)
	assert.Equal(t, id, m.AnonID())
}

func TestEnsureSessionRollsOverOnlyPastIdleTimeout(t *testing.T) {
	m, _ := newTestManager(t, storage.NewMemoryStore())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first := m.EnsureSession(base)
	require.NotEmpty(t, first)

	// Activity inside the idle window keeps the session.
	assert.Equal(t, first, m.EnsureSession(base.Add(29*time.Minute)))
	assert.Equal(t, first, m.EnsureSession(base.Add(59*time.Minute)))

	// Exactly the timeout is still inside the window.
	assert.Equal(t, first, m.EnsureSession(base.Add(89*time.Minute)))

	// One tick past the timeout starts a new session.
	second := m.EnsureSession(base.Add(89*time.Minute + 30*time.Minute + time.Nanosecond))
	assert.NotEqual(t, first, second)
}

func TestBoundaryEventOrderingAndTimestamps(t *testing.T) {
	m, rec := newTestManager(t, storage.NewMemoryStore())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first := m.EnsureSession(base)
	lastActivity := base.Add(10 * time.Minute)
	m.EnsureSession(lastActivity)

	rolloverAt := lastActivity.Add(31 * time.Minute)
	second := m.EnsureSession(rolloverAt)

	require.Len(t, rec.events, 3)

	assert.Equal(t, models.EventSessionStart, rec.events[0].Name)
	assert.Equal(t, first, rec.events[0].SessionID)
	assert.Equal(t, base, rec.events[0].At)

	// session_end is timestamped at the last known activity and precedes
	// the next session_start.
	assert.Equal(t, models.EventSessionEnd, rec.events[1].Name)
	assert.Equal(t, first, rec.events[1].SessionID)
	assert.Equal(t, lastActivity, rec.events[1].At)

	assert.Equal(t, models.EventSessionStart, rec.events[2].Name)
	assert.Equal(t, second, rec.events[2].SessionID)
	assert.Equal(t, rolloverAt, rec.events[2].At)
}

func TestNoSessionEndWithoutPriorSession(t *testing.T) {
	m, rec := newTestManager(t, storage.NewMemoryStore())

	m.EnsureSession(time.Now())

	require.Len(t, rec.events, 1)
	assert.Equal(t, models.EventSessionStart, rec.events[0].Name)
}

func TestResetHooksRunOnRollover(t *testing.T) {
	m, _ := newTestManager(t, storage.NewMemoryStore())
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var resetFor []string
	m.OnReset(func(oldSessionID string) {
		resetFor = append(resetFor, oldSessionID)
	})

	first := m.EnsureSession(base)
	assert.Empty(t, resetFor, "opening the first session must not reset anything")

	m.EnsureSession(base.Add(31 * time.Minute))
	assert.Equal(t, []string{first}, resetFor)
}

func TestSessionRestoredAcrossRestartWithinIdleWindow(t *testing.T) {
	store := storage.NewMemoryStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	m1, _ := newTestManager(t, store)
	first := m1.EnsureSession(base)

	// New manager over the same store, inside the idle window.
	m2, rec := newTestManager(t, store)
	assert.Equal(t, first, m2.EnsureSession(base.Add(5*time.Minute)))
	assert.Empty(t, rec.events)

	// And past the window: the restored session is closed first.
	m3, rec3 := newTestManager(t, store)
	next := m3.EnsureSession(base.Add(2 * time.Hour))
	assert.NotEqual(t, first, next)
	require.Len(t, rec3.events, 2)
	assert.Equal(t, models.EventSessionEnd, rec3.events[0].Name)
	assert.Equal(t, first, rec3.events[0].SessionID)
}

func TestUserIDIsMemoryOnly(t *testing.T) {
	store := storage.NewMemoryStore()
	m, _ := newTestManager(t, store)

	_, ok := m.UserID()
	assert.False(t, ok)

	m.SetUserID("user-42")
	id, ok := m.UserID()
	assert.True(t, ok)
	assert.Equal(t, "user-42", id)

	m.ClearUserID()
	_, ok = m.UserID()
	assert.False(t, ok)

	// Nothing user-related ever reaches storage.
	m2, _ := newTestManager(t, store)
	_, ok = m2.UserID()
	assert.False(t, ok)
}

func TestBoundaryEmissionBlocksConcurrentActivity(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	release := make(chan struct{})
	blocking := make(chan struct{})

	rec := &boundaryRecorder{}
	m := NewManager(storage.NewMemoryStore(), 30*time.Minute, func(ev BoundaryEvent) {
		rec.record(ev)
		if ev.Name == models.EventSessionEnd {
			close(blocking)
			<-release
		}
	}, logger.NopLogger())

	m.EnsureSession(base)

	rolloverAt := base.Add(31 * time.Minute)
	rolloverDone := make(chan string, 1)
	go func() {
		rolloverDone <- m.EnsureSession(rolloverAt)
	}()

	select {
	case <-blocking:
	case <-time.After(2 * time.Second):
		t.Fatal("rollover never reached the boundary sink")
	}

	// While the rollover is mid-emission, concurrent activity must wait: its
	// event cannot be observed before the new session's session_start.
	concurrentDone := make(chan string, 1)
	go func() {
		concurrentDone <- m.EnsureSession(rolloverAt.Add(time.Second))
	}()

	select {
	case <-concurrentDone:
		t.Fatal("concurrent activity proceeded before session_start was emitted")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	newSID := <-rolloverDone
	assert.Equal(t, newSID, <-concurrentDone)

	require.Len(t, rec.events, 3)
	assert.Equal(t, models.EventSessionEnd, rec.events[1].Name)
	assert.Equal(t, models.EventSessionStart, rec.events[2].Name)
	assert.Equal(t, newSID, rec.events[2].SessionID)
}

func TestEnsureSessionNeverFailsWithoutStorage(t *testing.T) {
	m, rec := newTestManager(t, failingStore{})
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first := m.EnsureSession(base)
	require.NotEmpty(t, first)
	assert.Equal(t, first, m.EnsureSession(base.Add(time.Minute)))

	second := m.EnsureSession(base.Add(2 * time.Hour))
	assert.NotEqual(t, first, second)
	assert.Equal(t, models.EventSessionEnd, rec.events[1].Name)
}
