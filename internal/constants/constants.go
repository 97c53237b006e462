package constants

import "time"

// Client pipeline defaults. The idle timeout bounds a session; the flush
// interval is a heartbeat, not a timeout.
const (
	SessionIdleTimeout = 30 * time.Minute
	FlushInterval      = 3 * time.Second
	FlushBatchSize     = 20
)

const (
	DeliveryTimeout = 10 * time.Second
	BeaconTimeout   = 2 * time.Second
)

// Keys in the client's device-scoped store.
const (
	StorageKeyAnonID          = "anon_id"
	StorageKeySessionID       = "session_id"
	StorageKeySessionActivity = "session_last_activity"
	StorageKeyPrefixFlag      = "flag:"
)

const (
	GuardKeyPrefix     = "ingest:"
	DefaultIngestTopic = "listing_events"
	DefaultGuardTTL    = 24 * 60 * 60
)

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	FallbackAllow = "allow"
	FallbackDeny  = "deny"
)

const (
	DefaultTruncateLen = 200
)
