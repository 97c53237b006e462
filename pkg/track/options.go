package track

import (
	"time"

	"hearthbeat/internal/logger"
	"hearthbeat/internal/queue"
	"hearthbeat/internal/storage"
)

type options struct {
	log       logger.Logger
	now       func() time.Time
	store     storage.Store
	transport queue.Transport
}

func defaultOptions() options {
	return options{
		log: logger.NopLogger(),
		now: time.Now,
	}
}

type Option func(*options)

// WithLogger attaches a structured logger; the default is silent.
func WithLogger(log logger.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithClock overrides the time source. Session-timeout tests depend on it.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithStore supplies the device-scoped store directly, bypassing StatePath.
// The caller keeps ownership; Close will not close it.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithTransport replaces the HTTP delivery transport.
func WithTransport(transport queue.Transport) Option {
	return func(o *options) { o.transport = transport }
}
