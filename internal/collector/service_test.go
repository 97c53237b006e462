package collector

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hearthbeat/internal/config"
	"hearthbeat/internal/constants"
	"hearthbeat/internal/logger"
	"hearthbeat/pkg/errors"
	"hearthbeat/pkg/models"
)

type fakeRepo struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{seen: make(map[string]bool)}
}

func (r *fakeRepo) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	if r.seen[key] {
		return false, nil
	}
	r.seen[key] = true
	return true, nil
}

type fakeProducer struct {
	mu        sync.Mutex
	published []models.Event
	failures  int
}

func (p *fakeProducer) Publish(ctx context.Context, topic string, event models.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return fmt.Errorf("kafka unavailable")
	}
	p.published = append(p.published, event)
	return nil
}

func testConfig(onRedisError string) *config.Config {
	return &config.Config{
		Guard: config.GuardConfig{
			HashAlgorithm: "sha256",
			TTLSeconds:    60,
			OnRedisError:  onRedisError,
		},
		Broker: config.BrokerConfig{
			Type: "kafka",
			Kafka: config.KafkaConfig{
				IngestTopic: "listing_events",
				Retry: config.RetryConfig{
					MaxAttempts:     2,
					InitialInterval: time.Millisecond,
					MaxInterval:     2 * time.Millisecond,
					Multiplier:      2.0,
				},
			},
		},
	}
}

func makeEvent(sessionID, name string, props map[string]interface{}) models.Event {
	return models.Event{
		SessionID:  sessionID,
		AnonID:     "anon-1",
		EventName:  name,
		EventProps: props,
		OccurredAt: time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC),
	}
}

func TestIngestPublishesUniqueEvents(t *testing.T) {
	repo := newFakeRepo()
	producer := &fakeProducer{}
	svc := NewService(repo, producer, testConfig(constants.FallbackDeny), logger.NopLogger())

	batch := models.Batch{Events: []models.Event{
		makeEvent("s1", models.EventListingView, map[string]interface{}{"listing_id": "L1"}),
		makeEvent("s1", models.EventListingView, map[string]interface{}{"listing_id": "L2"}),
	}}

	result, err := svc.Ingest(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 0, result.Duplicates)
	assert.Len(t, producer.published, 2)
}

func TestIngestDropsReplayedEvents(t *testing.T) {
	repo := newFakeRepo()
	producer := &fakeProducer{}
	svc := NewService(repo, producer, testConfig(constants.FallbackDeny), logger.NopLogger())

	ev := makeEvent("s1", models.EventListingView, map[string]interface{}{"listing_id": "L1"})

	_, err := svc.Ingest(context.Background(), models.Batch{Events: []models.Event{ev}})
	require.NoError(t, err)

	// A retried batch carries the identical event again.
	result, err := svc.Ingest(context.Background(), models.Batch{Events: []models.Event{ev}})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Accepted)
	assert.Equal(t, 1, result.Duplicates)
	assert.Len(t, producer.published, 1)
}

func TestIngestDistinguishesEntities(t *testing.T) {
	repo := newFakeRepo()
	producer := &fakeProducer{}
	svc := NewService(repo, producer, testConfig(constants.FallbackDeny), logger.NopLogger())

	// Same session, name and timestamp, different listings.
	batch := models.Batch{Events: []models.Event{
		makeEvent("s1", models.EventListingView, map[string]interface{}{"listing_id": "L1"}),
		makeEvent("s1", models.EventListingView, map[string]interface{}{"listing_id": "L2"}),
	}}

	result, err := svc.Ingest(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Accepted)
}

func TestIngestRejectsInvalidEvents(t *testing.T) {
	svc := NewService(newFakeRepo(), &fakeProducer{}, testConfig(constants.FallbackDeny), logger.NopLogger())

	missing := makeEvent("", models.EventPageView, nil)
	_, err := svc.Ingest(context.Background(), models.Batch{Events: []models.Event{missing}})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestIngestRejectsNestedProps(t *testing.T) {
	svc := NewService(newFakeRepo(), &fakeProducer{}, testConfig(constants.FallbackDeny), logger.NopLogger())

	ev := makeEvent("s1", models.EventPageView, map[string]interface{}{
		"page": map[string]interface{}{"nested": true},
	})
	_, err := svc.Ingest(context.Background(), models.Batch{Events: []models.Event{ev}})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestIngestRedisErrorDenyFailsBatch(t *testing.T) {
	repo := newFakeRepo()
	repo.err = fmt.Errorf("connection refused")
	svc := NewService(repo, &fakeProducer{}, testConfig(constants.FallbackDeny), logger.NopLogger())

	ev := makeEvent("s1", models.EventPageView, map[string]interface{}{"page": "/home"})
	_, err := svc.Ingest(context.Background(), models.Batch{Events: []models.Event{ev}})
	require.Error(t, err)

	var appErr *errors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.ErrStorage.Code, appErr.Code)
}

func TestIngestRedisErrorAllowPublishesAnyway(t *testing.T) {
	repo := newFakeRepo()
	repo.err = fmt.Errorf("connection refused")
	producer := &fakeProducer{}
	svc := NewService(repo, producer, testConfig(constants.FallbackAllow), logger.NopLogger())

	ev := makeEvent("s1", models.EventPageView, map[string]interface{}{"page": "/home"})
	result, err := svc.Ingest(context.Background(), models.Batch{Events: []models.Event{ev}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	assert.Len(t, producer.published, 1)
}

func TestIngestRetriesPublishThenFails(t *testing.T) {
	repo := newFakeRepo()
	producer := &fakeProducer{failures: 5}
	svc := NewService(repo, producer, testConfig(constants.FallbackDeny), logger.NopLogger())

	ev := makeEvent("s1", models.EventPageView, map[string]interface{}{"page": "/home"})
	_, err := svc.Ingest(context.Background(), models.Batch{Events: []models.Event{ev}})
	require.Error(t, err)
	assert.True(t, errors.IsDelivery(err))
}

func TestIngestRetriesPublishThenSucceeds(t *testing.T) {
	repo := newFakeRepo()
	producer := &fakeProducer{failures: 1}
	svc := NewService(repo, producer, testConfig(constants.FallbackDeny), logger.NopLogger())

	ev := makeEvent("s1", models.EventPageView, map[string]interface{}{"page": "/home"})
	result, err := svc.Ingest(context.Background(), models.Batch{Events: []models.Event{ev}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
}

func TestFingerprintStableAcrossProcesses(t *testing.T) {
	h := NewHasher("sha256")
	ev := makeEvent("s1", models.EventListingView, map[string]interface{}{"listing_id": "L1"})

	assert.Equal(t, h.Fingerprint(ev), h.Fingerprint(ev))

	other := makeEvent("s2", models.EventListingView, map[string]interface{}{"listing_id": "L1"})
	assert.NotEqual(t, h.Fingerprint(ev), h.Fingerprint(other))
}

func TestCircuitBreakerRepositoryPassThroughWhenDisabled(t *testing.T) {
	repo := newFakeRepo()
	cbRepo := NewCircuitBreakerRepository(repo, config.CircuitBreakerConfig{Enabled: false})

	unique, err := cbRepo.SetNX(context.Background(), "k", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, unique)
	assert.Equal(t, "disabled", cbRepo.State())
}

func TestCircuitBreakerRepositoryOpensAfterFailures(t *testing.T) {
	repo := newFakeRepo()
	repo.err = fmt.Errorf("connection refused")
	cbRepo := NewCircuitBreakerRepository(repo, config.CircuitBreakerConfig{
		Enabled:      true,
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  2,
	})

	for i := 0; i < 5; i++ {
		_, _ = cbRepo.SetNX(context.Background(), "k", 1, time.Minute)
	}

	assert.True(t, cbRepo.IsOpen())
}
