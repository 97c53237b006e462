package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearthbeat/internal/logger"
	"hearthbeat/pkg/models"
)

type fakeTransport struct {
	mu      sync.Mutex
	fail    bool
	batches []models.Batch
	async   []models.Batch
	sent    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan struct{}, 16)}
}

func (t *fakeTransport) Send(_ context.Context, batch models.Batch) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail {
		return fmt.Errorf("ingest unreachable")
	}
	t.batches = append(t.batches, batch)
	select {
	case t.sent <- struct{}{}:
	default:
	}
	return nil
}

func (t *fakeTransport) SendAsync(batch models.Batch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.async = append(t.async, batch)
}

func (t *fakeTransport) setFail(fail bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail = fail
}

func (t *fakeTransport) sentBatches() []models.Batch {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.Batch(nil), t.batches...)
}

func event(name string) models.Event {
	return models.NewEventBuilder().
		WithSessionID("s1").
		WithAnonID("a1").
		WithName(name).
		At(time.Now()).
		Build()
}

func TestFlushSendsWholeQueueAndDiscards(t *testing.T) {
	transport := newFakeTransport()
	q := New(transport, 20, logger.NopLogger())

	q.Enqueue(event("page_view"))
	q.Enqueue(event("listing_view"))

	q.Flush(context.Background(), false)

	require.Len(t, transport.sentBatches(), 1)
	assert.Len(t, transport.sentBatches()[0].Events, 2)
	assert.Equal(t, 0, q.Len())
}

func TestFailedFlushRequeuesAtHeadInOrder(t *testing.T) {
	transport := newFakeTransport()
	transport.setFail(true)
	q := New(transport, 20, logger.NopLogger())

	q.Enqueue(event("e1"))
	q.Enqueue(event("e2"))

	before := q.Len()
	q.Flush(context.Background(), false)

	// No loss, no duplication.
	assert.Equal(t, before, q.Len())

	// New events land behind the requeued batch.
	q.Enqueue(event("e3"))

	transport.setFail(false)
	q.Flush(context.Background(), false)

	batches := transport.sentBatches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Events, 3)
	assert.Equal(t, "e1", batches[0].Events[0].EventName)
	assert.Equal(t, "e2", batches[0].Events[1].EventName)
	assert.Equal(t, "e3", batches[0].Events[2].EventName)
	assert.Equal(t, 0, q.Len())
}

func TestSameItemsRetryOnNextTick(t *testing.T) {
	transport := newFakeTransport()
	transport.setFail(true)
	q := New(transport, 20, logger.NopLogger())
	d := NewDispatcher(q, 10*time.Millisecond)
	d.Start()
	defer d.Stop()

	q.Enqueue(event("e1"))

	// Let a few failing ticks pass, then allow delivery.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, q.Len())

	transport.setFail(false)
	select {
	case <-transport.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("retry tick never delivered the batch")
	}

	batches := transport.sentBatches()
	require.Len(t, batches, 1)
	assert.Equal(t, "e1", batches[0].Events[0].EventName)
}

func TestBatchThresholdTriggersFlushBeforeTimer(t *testing.T) {
	transport := newFakeTransport()
	q := New(transport, 20, logger.NopLogger())
	// Timer far in the future: only the size trigger can flush.
	d := NewDispatcher(q, time.Hour)
	d.Start()
	defer d.Stop()

	for i := 0; i < 25; i++ {
		q.Enqueue(event(fmt.Sprintf("e%d", i)))
	}

	select {
	case <-transport.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("size-triggered flush did not happen")
	}

	batches := transport.sentBatches()
	require.NotEmpty(t, batches)
	assert.GreaterOrEqual(t, len(batches[0].Events), 20)
}

func TestReliableFlushUsesAsyncPathAndNeverRequeues(t *testing.T) {
	transport := newFakeTransport()
	q := New(transport, 20, logger.NopLogger())

	q.Enqueue(event("post_abandoned"))
	q.Flush(context.Background(), true)

	assert.Equal(t, 0, q.Len())
	require.Len(t, transport.async, 1)
	assert.Equal(t, "post_abandoned", transport.async[0].Events[0].EventName)
	assert.Empty(t, transport.sentBatches())
}

func TestFlushEmptyQueueIsNoop(t *testing.T) {
	transport := newFakeTransport()
	q := New(transport, 20, logger.NopLogger())

	q.Flush(context.Background(), false)
	q.Flush(context.Background(), true)

	assert.Empty(t, transport.sentBatches())
	assert.Empty(t, transport.async)
}

func TestHTTPTransportWireFormat(t *testing.T) {
	var received models.Batch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.URL, logger.NopLogger())

	occurred := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	batch := models.Batch{Events: []models.Event{
		models.NewEventBuilder().
			WithSessionID("s1").
			WithAnonID("a1").
			WithUserID("u1").
			WithName("listing_view").
			WithProp("listing_id", "L1").
			At(occurred).
			Build(),
	}}

	require.NoError(t, transport.Send(context.Background(), batch))

	require.Len(t, received.Events, 1)
	got := received.Events[0]
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "a1", got.AnonID)
	require.NotNil(t, got.UserID)
	assert.Equal(t, "u1", *got.UserID)
	assert.Equal(t, "listing_view", got.EventName)
	assert.Equal(t, "L1", got.EventProps["listing_id"])
	assert.True(t, occurred.Equal(got.OccurredAt))
}

func TestHTTPTransportNon2xxFailsBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.URL, logger.NopLogger())
	err := transport.Send(context.Background(), models.Batch{Events: []models.Event{event("e1")}})
	require.Error(t, err)
}
