// Package funnel tracks the multi-step posting flow used to measure
// listing-creation abandonment.
package funnel

import (
	"sync"

	"github.com/google/uuid"

	"hearthbeat/internal/constants"
	"hearthbeat/internal/dedup"
	"hearthbeat/internal/logger"
	"hearthbeat/pkg/metrics"
	"hearthbeat/pkg/models"
)

// State of the active posting attempt. Terminal states reset to StateNone
// immediately after their event is emitted.
type State int

const (
	StateNone State = iota
	StateStarted
	StateSubmitted
	StateSucceeded
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateStarted:
		return "started"
	case StateSubmitted:
		return "submitted"
	case StateSucceeded:
		return "succeeded"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// Emitter hands a funnel event to the delivery pipeline. reliable selects
// the fire-and-forget teardown transport.
type Emitter func(sessionID, name string, props map[string]interface{}, reliable bool)

// Funnel holds at most one active posting attempt per session.
type Funnel struct {
	flags *dedup.FlagStore
	emit  Emitter
	log   logger.Logger

	mu        sync.Mutex
	state     State
	attemptID string
	sessionID string
}

func New(flags *dedup.FlagStore, emit Emitter, log logger.Logger) *Funnel {
	return &Funnel{
		flags: flags,
		emit:  emit,
		log:   log,
	}
}

// Start opens a posting attempt bound to sessionID. Calling it again while
// an attempt is active does not allocate a new attempt, and the flag guard
// keeps post_started from being emitted twice.
func (f *Funnel) Start(sessionID string) {
	f.mu.Lock()
	if f.state == StateNone {
		f.state = StateStarted
		f.attemptID = uuid.NewString()
		f.sessionID = sessionID
		metrics.FunnelTransitionsTotal.WithLabelValues(StateStarted.String()).Inc()
	}
	attemptID := f.attemptID
	sid := f.sessionID
	f.mu.Unlock()

	f.emitOnce(sid, models.EventPostStarted, map[string]interface{}{
		"attempt_id": attemptID,
	}, false)
}

// Submit marks the attempt as submitted. Silent no-op with no active
// attempt.
func (f *Funnel) Submit() {
	f.mu.Lock()
	if f.attemptID == "" {
		f.mu.Unlock()
		return
	}
	if f.state == StateStarted {
		f.state = StateSubmitted
		metrics.FunnelTransitionsTotal.WithLabelValues(StateSubmitted.String()).Inc()
	}
	attemptID := f.attemptID
	sid := f.sessionID
	f.mu.Unlock()

	f.emitOnce(sid, models.EventPostSubmitted, map[string]interface{}{
		"attempt_id": attemptID,
	}, false)
}

// Success completes the attempt with the created listing. A prior Submit is
// not required: the optimistic-completion order observed in production is
// kept. Silent no-op with no active attempt.
func (f *Funnel) Success(listingID string) {
	f.mu.Lock()
	if f.attemptID == "" {
		f.mu.Unlock()
		return
	}
	f.state = StateSucceeded
	attemptID := f.attemptID
	sid := f.sessionID
	f.mu.Unlock()

	metrics.FunnelTransitionsTotal.WithLabelValues(StateSucceeded.String()).Inc()
	f.emitOnce(sid, models.EventPostSuccess, map[string]interface{}{
		"attempt_id": attemptID,
		"listing_id": listingID,
	}, false)

	f.reset(sid)
}

// Abandon emits post_abandoned over the reliable teardown transport. It
// fires iff an attempt was started and has neither succeeded nor already
// been abandoned; otherwise it is a no-op. Invoked from the host's
// about-to-terminate hook.
func (f *Funnel) Abandon() {
	f.mu.Lock()
	if f.state != StateStarted && f.state != StateSubmitted {
		f.mu.Unlock()
		return
	}
	f.state = StateAbandoned
	attemptID := f.attemptID
	sid := f.sessionID
	f.mu.Unlock()

	metrics.FunnelTransitionsTotal.WithLabelValues(StateAbandoned.String()).Inc()
	f.emitOnce(sid, models.EventPostAbandoned, map[string]interface{}{
		"attempt_id": attemptID,
	}, true)

	f.reset(sid)
}

// Allow-listed error payload fields. Anything else the caller supplies is
// dropped to keep post_error free of identifying data.
var errorPropAllowlist = map[string]struct{}{
	"step":  {},
	"field": {},
	"code":  {},
}

// Error reports a posting error without changing funnel state. sessionID is
// the caller's active session: errors surface outside an attempt too (and
// after a rollover cleared the attempt), and the event must still carry the
// session it happened in.
func (f *Funnel) Error(sessionID string, err error, payload map[string]interface{}) {
	if err == nil || sessionID == "" {
		return
	}

	f.mu.Lock()
	attemptID := f.attemptID
	f.mu.Unlock()

	props := map[string]interface{}{
		"message": truncate(err.Error(), constants.DefaultTruncateLen),
	}
	if attemptID != "" {
		props["attempt_id"] = attemptID
	}
	for key, value := range payload {
		if _, ok := errorPropAllowlist[key]; ok {
			props[key] = value
		}
	}

	f.emit(sessionID, models.EventPostError, props, false)
}

// Reset clears the attempt without emitting anything; wired as a session
// reset hook so an attempt cannot outlive its session.
func (f *Funnel) Reset(oldSessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessionID != oldSessionID {
		return
	}
	f.state = StateNone
	f.attemptID = ""
	f.sessionID = ""
}

func (f *Funnel) CurrentState() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// emitOnce guards emission with a funnel-scoped session flag, making
// repeated transitions no-ops for the same attempt.
func (f *Funnel) emitOnce(sessionID, name string, props map[string]interface{}, reliable bool) {
	if sessionID == "" {
		return
	}
	if f.flags.Has(sessionID, dedup.KindFunnel, name) {
		return
	}
	f.flags.Set(sessionID, dedup.KindFunnel, name)
	f.emit(sessionID, name, props, reliable)
}

// reset returns to StateNone and clears the funnel flags so the next
// attempt in this session emits its events afresh.
func (f *Funnel) reset(sessionID string) {
	f.mu.Lock()
	f.state = StateNone
	f.attemptID = ""
	f.sessionID = ""
	f.mu.Unlock()

	f.flags.ClearKind(sessionID, dedup.KindFunnel)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
