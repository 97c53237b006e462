// Package queue buffers tracking events and ships them to the ingestion
// endpoint in FIFO batches.
package queue

import (
	"context"
	"sync"
	"time"

	"hearthbeat/internal/constants"
	"hearthbeat/internal/logger"
	"hearthbeat/pkg/metrics"
	"hearthbeat/pkg/models"
)

// Queue is an ordered in-memory buffer. A failed flush reinserts its whole
// batch at the front, so relative temporal order is preserved across
// retries. Retries are unbounded and have no backoff: a persistent outage
// grows the queue without bound, a deliberate tradeoff over dropping data.
type Queue struct {
	transport Transport
	batchSize int
	log       logger.Logger
	kick      chan struct{}

	mu     sync.Mutex
	events []models.Event

	flushMu sync.Mutex
}

func New(transport Transport, batchSize int, log logger.Logger) *Queue {
	if batchSize <= 0 {
		batchSize = constants.FlushBatchSize
	}
	return &Queue{
		transport: transport,
		batchSize: batchSize,
		log:       log,
		kick:      make(chan struct{}, 1),
	}
}

// Enqueue appends an event and signals the dispatcher once the buffer
// reaches the batch threshold. It never blocks on delivery.
func (q *Queue) Enqueue(event models.Event) {
	q.mu.Lock()
	q.events = append(q.events, event)
	depth := len(q.events)
	q.mu.Unlock()

	metrics.EventsEnqueuedTotal.WithLabelValues(event.EventName).Inc()
	metrics.QueueDepth.Set(float64(depth))

	if depth >= q.batchSize {
		select {
		case q.kick <- struct{}{}:
		default:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Kick signals a size-triggered flush to the dispatcher.
func (q *Queue) Kick() <-chan struct{} {
	return q.kick
}

// Flush sends the entire current buffer as one batch. With reliable=true the
// batch goes out on the fire-and-forget teardown path: no response is
// awaited and nothing is requeued, since the process may be terminating.
func (q *Queue) Flush(ctx context.Context, reliable bool) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	batch := q.take()
	if len(batch) == 0 {
		return
	}

	if reliable {
		q.transport.SendAsync(models.Batch{Events: batch})
		metrics.FlushesTotal.WithLabelValues("sent", "reliable").Inc()
		return
	}

	if err := q.transport.Send(ctx, models.Batch{Events: batch}); err != nil {
		q.requeue(batch)
		metrics.FlushesTotal.WithLabelValues("failed", "normal").Inc()
		q.log.Warnw("Flush failed, batch requeued",
			"batch_size", len(batch),
			"error", err,
		)
		return
	}

	metrics.FlushesTotal.WithLabelValues("sent", "normal").Inc()
}

func (q *Queue) take() []models.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := q.events
	q.events = nil
	metrics.QueueDepth.Set(0)
	return batch
}

func (q *Queue) requeue(batch []models.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.events = append(batch, q.events...)
	metrics.QueueDepth.Set(float64(len(q.events)))
}

// Dispatcher drives the heartbeat flush and reacts to size-triggered kicks.
type Dispatcher struct {
	queue    *Queue
	interval time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewDispatcher(queue *Queue, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = constants.FlushInterval
	}
	return &Dispatcher{
		queue:    queue,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.loop()
	})
}

func (d *Dispatcher) loop() {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if d.queue.Len() > 0 {
				d.queue.Flush(context.Background(), false)
			}
		case <-d.queue.Kick():
			d.queue.Flush(context.Background(), false)
		case <-d.stop:
			return
		}
	}
}

func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stop)
	})
	<-d.done
}
