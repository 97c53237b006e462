// Package dedup implements the per-session at-most-once guards for view and
// impression style events.
package dedup

import (
	"sync"

	"hearthbeat/internal/constants"
	"hearthbeat/internal/logger"
	"hearthbeat/internal/storage"
)

// Kind scopes a flag to an event family.
type Kind string

const (
	KindListingView Kind = "listing_view"
	KindImpression  Kind = "impression"
	KindPageView    Kind = "page_view"
	KindFunnel      Kind = "funnel"
)

// FlagStore layers an in-memory cache over session-scoped persistent
// storage. Flags are set synchronously before the guarded event is handed to
// the queue: if delivery later fails and the session ends first, the event is
// lost while the flag still suppresses a re-emit. At-most-once, not
// exactly-once.
type FlagStore struct {
	store storage.Store
	log   logger.Logger

	mu    sync.Mutex
	cache map[string]struct{}
}

func NewFlagStore(store storage.Store, log logger.Logger) *FlagStore {
	return &FlagStore{
		store: store,
		log:   log,
		cache: make(map[string]struct{}),
	}
}

func flagKey(sessionID string, kind Kind, entityID string) string {
	return constants.StorageKeyPrefixFlag + sessionID + ":" + string(kind) + ":" + entityID
}

func (f *FlagStore) Has(sessionID string, kind Kind, entityID string) bool {
	key := flagKey(sessionID, kind, entityID)

	f.mu.Lock()
	_, cached := f.cache[key]
	f.mu.Unlock()
	if cached {
		return true
	}

	_, ok, err := f.store.Get(key)
	if err != nil {
		f.log.Warnw("Flag read failed, relying on in-memory cache only",
			"key", key,
			"error", err,
		)
		return false
	}
	if ok {
		f.mu.Lock()
		f.cache[key] = struct{}{}
		f.mu.Unlock()
	}
	return ok
}

// Set marks the flag in memory and persists it synchronously. A storage
// failure degrades to the in-memory guard for this process.
func (f *FlagStore) Set(sessionID string, kind Kind, entityID string) {
	key := flagKey(sessionID, kind, entityID)

	f.mu.Lock()
	f.cache[key] = struct{}{}
	f.mu.Unlock()

	if err := f.store.Set(key, "1"); err != nil {
		f.log.Warnw("Flag write failed, guard is memory-only",
			"key", key,
			"error", err,
		)
	}
}

func (f *FlagStore) Clear(sessionID string, kind Kind, entityID string) {
	key := flagKey(sessionID, kind, entityID)

	f.mu.Lock()
	delete(f.cache, key)
	f.mu.Unlock()

	if err := f.store.Delete(key); err != nil {
		f.log.Warnw("Flag delete failed", "key", key, "error", err)
	}
}

// ClearKind drops every flag of one kind for a session. Used for
// funnel-scoped flags when an attempt reaches a terminal state.
func (f *FlagStore) ClearKind(sessionID string, kind Kind) {
	f.clearPrefix(constants.StorageKeyPrefixFlag + sessionID + ":" + string(kind) + ":")
}

// ClearSession drops all flags of a session; wired as a session reset hook.
func (f *FlagStore) ClearSession(sessionID string) {
	f.clearPrefix(constants.StorageKeyPrefixFlag + sessionID + ":")
}

func (f *FlagStore) clearPrefix(prefix string) {
	f.mu.Lock()
	for key := range f.cache {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(f.cache, key)
		}
	}
	f.mu.Unlock()

	if err := f.store.DeletePrefix(prefix); err != nil {
		f.log.Warnw("Flag prefix delete failed", "prefix", prefix, "error", err)
	}
}
