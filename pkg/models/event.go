package models

import "time"

// Event names produced by the tracking client.
const (
	EventSessionStart  = "session_start"
	EventSessionEnd    = "session_end"
	EventListingView   = "listing_view"
	EventImpression    = "listing_impression"
	EventPageView      = "page_view"
	EventPostStarted   = "post_started"
	EventPostSubmitted = "post_submitted"
	EventPostSuccess   = "post_success"
	EventPostAbandoned = "post_abandoned"
	EventPostError     = "post_error"
)

// Event is the wire representation accepted by the ingestion endpoint.
// Immutable once built; an event travels through the queue to exactly one
// outcome: delivered and discarded, or failed and requeued.
type Event struct {
	SessionID  string                 `json:"session_id"`
	AnonID     string                 `json:"anon_id"`
	UserID     *string                `json:"user_id"`
	EventName  string                 `json:"event_name"`
	EventProps map[string]interface{} `json:"event_props"`
	OccurredAt time.Time              `json:"occurred_at"`
}

// Batch is the request body of POST /v1/events.
type Batch struct {
	Events []Event `json:"events"`
}
