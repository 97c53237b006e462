// Package track is the behavioral telemetry client for the listings
// marketplace: identity and session management, per-session dedup, event
// batching with best-effort delivery, and the posting funnel used to measure
// listing-creation abandonment.
//
// A Client is an explicit, instantiable object constructed once per
// application instance and passed to wherever tracking calls are made; it
// keeps no package-level state. No public operation returns an error or
// panics: telemetry failures degrade and log, they never interrupt the host.
package track

import (
	"context"
	"time"

	"hearthbeat/internal/constants"
	"hearthbeat/internal/dedup"
	"hearthbeat/internal/funnel"
	"hearthbeat/internal/logger"
	"hearthbeat/internal/queue"
	"hearthbeat/internal/session"
	"hearthbeat/internal/storage"
	"hearthbeat/pkg/errors"
	"hearthbeat/pkg/metrics"
	"hearthbeat/pkg/models"
)

type Config struct {
	// Endpoint is the ingestion URL events are POSTed to.
	Endpoint string

	// StatePath is the device-scoped state file. Empty means memory-only:
	// identifiers and flags do not survive a restart.
	StatePath string

	IdleTimeout   time.Duration
	FlushInterval time.Duration
	BatchSize     int
}

type Client struct {
	log   logger.Logger
	now   func() time.Time
	store storage.Store

	sessions   *session.Manager
	flags      *dedup.FlagStore
	queue      *queue.Queue
	dispatcher *queue.Dispatcher
	funnel     *funnel.Funnel

	ownsStore bool
	closed    chan struct{}
}

// New builds a client. It never fails: a broken state path degrades to
// memory-only storage.
func New(cfg Config, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		log:    o.log,
		now:    o.now,
		closed: make(chan struct{}),
	}

	c.store, c.ownsStore = o.store, false
	if c.store == nil {
		c.store, c.ownsStore = openStore(cfg.StatePath, o.log)
	}

	transport := o.transport
	if transport == nil {
		transport = queue.NewHTTPTransport(cfg.Endpoint, o.log)
	}

	c.queue = queue.New(transport, cfg.BatchSize, o.log)
	c.flags = dedup.NewFlagStore(c.store, o.log)
	c.sessions = session.NewManager(c.store, cfg.IdleTimeout, c.onBoundary, o.log)
	c.funnel = funnel.New(c.flags, c.emitFunnel, o.log)

	c.sessions.OnReset(c.flags.ClearSession)
	c.sessions.OnReset(c.funnel.Reset)

	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = constants.FlushInterval
	}
	c.dispatcher = queue.NewDispatcher(c.queue, interval)
	c.dispatcher.Start()

	return c
}

func openStore(path string, log logger.Logger) (storage.Store, bool) {
	if path == "" {
		return storage.NewMemoryStore(), true
	}
	store, err := storage.NewSQLiteStore(path)
	if err != nil {
		log.Warnw("State store unavailable, tracking state is memory-only",
			"path", path,
			"error", errors.ErrStorage.WithCause(err),
		)
		return storage.NewMemoryStore(), true
	}
	return store, true
}

// AnonID exposes the pseudonymous device identifier.
func (c *Client) AnonID() string {
	return c.sessions.AnonID()
}

// Track queues a custom event. Properties are passed through as supplied;
// validating their shape is the caller's responsibility.
func (c *Client) Track(name string, props map[string]interface{}) {
	defer c.recovered("track")

	now := c.now()
	sid := c.sessions.EnsureSession(now)
	c.queue.Enqueue(c.newEvent(name, sid, props, now))
}

// TrackListingView queues a listing_view, at most once per listing per
// session.
func (c *Client) TrackListingView(listingID string) {
	defer c.recovered("listing_view")

	now := c.now()
	sid := c.sessions.EnsureSession(now)

	if c.flags.Has(sid, dedup.KindListingView, listingID) {
		metrics.DedupSuppressedTotal.WithLabelValues(string(dedup.KindListingView)).Inc()
		return
	}
	c.flags.Set(sid, dedup.KindListingView, listingID)

	c.queue.Enqueue(c.newEvent(models.EventListingView, sid, map[string]interface{}{
		"listing_id": listingID,
	}, now))
}

// TrackImpressions queues one listing_impression for the listings in view
// that have not been seen this session. The visibility detector feeds this
// with batches of currently-visible listing ids.
func (c *Client) TrackImpressions(listingIDs []string) {
	defer c.recovered("impressions")

	now := c.now()
	sid := c.sessions.EnsureSession(now)

	unseen := make([]string, 0, len(listingIDs))
	for _, id := range listingIDs {
		if c.flags.Has(sid, dedup.KindImpression, id) {
			metrics.DedupSuppressedTotal.WithLabelValues(string(dedup.KindImpression)).Inc()
			continue
		}
		c.flags.Set(sid, dedup.KindImpression, id)
		unseen = append(unseen, id)
	}

	if len(unseen) == 0 {
		return
	}

	c.queue.Enqueue(c.newEvent(models.EventImpression, sid, map[string]interface{}{
		"listing_ids": unseen,
	}, now))
}

// TrackPageView queues a page_view, at most once per page per session.
func (c *Client) TrackPageView(page string) {
	defer c.recovered("page_view")

	now := c.now()
	sid := c.sessions.EnsureSession(now)

	if c.flags.Has(sid, dedup.KindPageView, page) {
		metrics.DedupSuppressedTotal.WithLabelValues(string(dedup.KindPageView)).Inc()
		return
	}
	c.flags.Set(sid, dedup.KindPageView, page)

	c.queue.Enqueue(c.newEvent(models.EventPageView, sid, map[string]interface{}{
		"page": page,
	}, now))
}

// SetUserID associates the authenticated identity with subsequent events.
func (c *Client) SetUserID(id string) {
	c.sessions.SetUserID(id)
}

// ClearUserID drops the authenticated identity, e.g. on logout.
func (c *Client) ClearUserID() {
	c.sessions.ClearUserID()
}

// StartPost opens a posting attempt in the current session.
func (c *Client) StartPost() {
	defer c.recovered("post_start")
	c.funnel.Start(c.sessions.EnsureSession(c.now()))
}

// SubmitPost marks the active attempt as submitted.
func (c *Client) SubmitPost() {
	defer c.recovered("post_submit")
	c.sessions.EnsureSession(c.now())
	c.funnel.Submit()
}

// PostSuccess completes the active attempt with the created listing.
func (c *Client) PostSuccess(listingID string) {
	defer c.recovered("post_success")
	c.sessions.EnsureSession(c.now())
	c.funnel.Success(listingID)
}

// PostError reports a posting error; only allow-listed payload fields are
// attached.
func (c *Client) PostError(err error, payload map[string]interface{}) {
	defer c.recovered("post_error")
	sid := c.sessions.EnsureSession(c.now())
	c.funnel.Error(sid, err, payload)
}

// Flush sends everything buffered right now on the normal path.
func (c *Client) Flush(ctx context.Context) {
	defer c.recovered("flush")
	c.queue.Flush(ctx, false)
}

// Terminate is the host's best-effort about-to-terminate hook (page-hide,
// visibility-hidden, process exit): it abandons any active posting attempt
// and flushes the queue over the fire-and-forget transport.
func (c *Client) Terminate(ctx context.Context) {
	defer c.recovered("terminate")
	c.funnel.Abandon()
	c.queue.Flush(ctx, true)
}

// Close stops the dispatcher, attempts a final normal flush, and releases
// the state store.
func (c *Client) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}

	c.dispatcher.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), constants.DeliveryTimeout)
	defer cancel()
	c.queue.Flush(ctx, false)

	if c.ownsStore {
		return c.store.Close()
	}
	return nil
}

func (c *Client) newEvent(name, sessionID string, props map[string]interface{}, at time.Time) models.Event {
	b := models.NewEventBuilder().
		WithSessionID(sessionID).
		WithAnonID(c.sessions.AnonID()).
		WithName(name).
		WithProps(props).
		At(at)

	if userID, ok := c.sessions.UserID(); ok {
		b = b.WithUserID(userID)
	}

	return b.Build()
}

// onBoundary feeds session boundary events straight into the queue. It runs
// under the session manager's lock, so it builds the event from the snapshot
// rather than reading identity back through the manager.
func (c *Client) onBoundary(ev session.BoundaryEvent) {
	if ev.Name == models.EventSessionEnd {
		metrics.SessionRolloversTotal.Inc()
	}

	b := models.NewEventBuilder().
		WithSessionID(ev.SessionID).
		WithAnonID(ev.AnonID).
		WithName(ev.Name).
		At(ev.At)
	if ev.HasUser {
		b = b.WithUserID(ev.UserID)
	}
	c.queue.Enqueue(b.Build())
}

// emitFunnel is the funnel's outlet. Reliable emissions (abandon) flush the
// queue over the teardown transport immediately.
func (c *Client) emitFunnel(sessionID, name string, props map[string]interface{}, reliable bool) {
	c.queue.Enqueue(c.newEvent(name, sessionID, props, c.now()))
	if reliable {
		c.queue.Flush(context.Background(), true)
	}
}

func (c *Client) recovered(op string) {
	if r := recover(); r != nil {
		c.log.Errorw("Tracking operation panicked",
			"op", op,
			"error", errors.RecoverPanic(r),
		)
	}
}
