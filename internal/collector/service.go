package collector

import (
	"context"
	"time"

	"hearthbeat/internal/config"
	"hearthbeat/internal/constants"
	"hearthbeat/internal/logger"
	"hearthbeat/pkg/errors"
	"hearthbeat/pkg/metrics"
	"hearthbeat/pkg/models"
	"hearthbeat/pkg/retry"
)

type redisErrorHandlingStatus int

const (
	redisErrorHandlingDeny redisErrorHandlingStatus = iota
	redisErrorHandlingAllow
)

// Producer is the slice of the broker the service needs.
type Producer interface {
	Publish(ctx context.Context, topic string, event models.Event) error
}

// IngestResult summarizes one batch: accepted events were published,
// duplicates were silently dropped by the guard.
type IngestResult struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
}

// Service ingests client batches. The client retries failed batches without
// marking anything delivered, so the same event can arrive twice; the guard
// fingerprints each event and publishes it downstream at most once per TTL
// window.
type Service struct {
	repo     Repository
	producer Producer
	hasher   *Hasher
	cfg      *config.Config
	topic    string
	logger   logger.Logger
}

func NewService(repo Repository, producer Producer, cfg *config.Config, log logger.Logger) *Service {
	topic := cfg.Broker.Kafka.IngestTopic
	if topic == "" {
		topic = constants.DefaultIngestTopic
	}

	return &Service{
		repo:     repo,
		producer: producer,
		hasher:   NewHasher(cfg.Guard.HashAlgorithm),
		cfg:      cfg,
		topic:    topic,
		logger:   log,
	}
}

// Ingest validates, deduplicates and publishes one batch. Any error fails
// the whole batch: the client treats a non-2xx response as undelivered and
// requeues everything, and the guard keeps the replay from double-publishing.
func (s *Service) Ingest(ctx context.Context, batch models.Batch) (IngestResult, error) {
	start := time.Now()

	result, err := s.ingest(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		metrics.IngestBatchesTotal.WithLabelValues("failed").Inc()
		metrics.ObserveIngestDuration(duration, "failed")
		return IngestResult{}, err
	}

	metrics.IngestBatchesTotal.WithLabelValues("accepted").Inc()
	metrics.ObserveIngestDuration(duration, "accepted")
	return result, nil
}

func (s *Service) ingest(ctx context.Context, batch models.Batch) (IngestResult, error) {
	var result IngestResult

	for i := range batch.Events {
		if err := validateEvent(batch.Events[i]); err != nil {
			metrics.IngestEventsTotal.WithLabelValues("invalid").Inc()
			return IngestResult{}, err
		}
	}

	for _, ev := range batch.Events {
		if err := ctx.Err(); err != nil {
			return IngestResult{}, err
		}

		unique, err := s.guardCheck(ctx, ev)
		if err != nil {
			return IngestResult{}, err
		}
		if !unique {
			metrics.IngestEventsTotal.WithLabelValues("duplicate").Inc()
			metrics.GuardResultsTotal.WithLabelValues("duplicate").Inc()
			result.Duplicates++
			continue
		}

		if err := s.publish(ctx, ev); err != nil {
			metrics.IngestEventsTotal.WithLabelValues("failed").Inc()
			return IngestResult{}, err
		}
		metrics.IngestEventsTotal.WithLabelValues("accepted").Inc()
		result.Accepted++
	}

	return result, nil
}

// guardCheck reports whether the event is new within the TTL window. SetNX
// both checks and claims the fingerprint in one round trip.
func (s *Service) guardCheck(ctx context.Context, ev models.Event) (bool, error) {
	key := constants.GuardKeyPrefix + s.hasher.Fingerprint(ev)

	ttl := time.Duration(s.cfg.Guard.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = constants.DefaultGuardTTL * time.Second
	}

	unique, err := s.repo.SetNX(ctx, key, time.Now().Unix(), ttl)
	if err != nil {
		return s.handleRedisError(ctx, err, ev)
	}

	if unique {
		metrics.GuardResultsTotal.WithLabelValues("unique").Inc()
	}
	return unique, nil
}

func (s *Service) handleRedisError(ctx context.Context, err error, ev models.Event) (bool, error) {
	if s.getRedisErrorHandlingStatus(ctx, err) == redisErrorHandlingAllow {
		return true, nil
	}
	return false, errors.ErrStorage.WithCause(err)
}

func (s *Service) getRedisErrorHandlingStatus(ctx context.Context, err error) redisErrorHandlingStatus {
	if s.cfg.Guard.OnRedisError == constants.FallbackAllow {
		metrics.FallbackUsageTotal.WithLabelValues("allow_on_error").Inc()
		s.logger.WarnwCtx(ctx, "Redis error during guard check, accepting event (fallback: allow)",
			"error", err,
		)
		return redisErrorHandlingAllow
	}

	metrics.FallbackUsageTotal.WithLabelValues("deny_on_error").Inc()
	return redisErrorHandlingDeny
}

func (s *Service) publish(ctx context.Context, ev models.Event) error {
	policy := retry.DefaultPolicy()
	if s.cfg.Broker.Kafka.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = s.cfg.Broker.Kafka.Retry.MaxAttempts
	}
	if s.cfg.Broker.Kafka.Retry.InitialInterval > 0 {
		policy.InitialInterval = s.cfg.Broker.Kafka.Retry.InitialInterval
	}
	if s.cfg.Broker.Kafka.Retry.MaxInterval > 0 {
		policy.MaxInterval = s.cfg.Broker.Kafka.Retry.MaxInterval
	}
	if s.cfg.Broker.Kafka.Retry.Multiplier > 0 {
		policy.Multiplier = s.cfg.Broker.Kafka.Retry.Multiplier
	}

	err := retry.Do(ctx, policy, func() error {
		return s.producer.Publish(ctx, s.topic, ev)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.PublishRetriesTotal.Inc()
		s.logger.WarnwCtx(ctx, "Retrying event publish",
			"attempt", attempt,
			"next_delay", nextDelay,
			"event_name", ev.EventName,
			"error", err,
		)
	})
	if err != nil {
		return errors.ErrDelivery.WithCause(err)
	}
	return nil
}

func validateEvent(ev models.Event) error {
	switch {
	case ev.SessionID == "":
		return errors.ErrValidation.WithDetail("field", "session_id")
	case ev.AnonID == "":
		return errors.ErrValidation.WithDetail("field", "anon_id")
	case ev.EventName == "":
		return errors.ErrValidation.WithDetail("field", "event_name")
	case ev.OccurredAt.IsZero():
		return errors.ErrValidation.WithDetail("field", "occurred_at")
	}

	for key, val := range ev.EventProps {
		if !isAllowedPropValue(val) {
			return errors.ErrMalformedProps.WithDetail("prop", key)
		}
	}
	return nil
}

// isAllowedPropValue restricts props to scalars and flat string lists, which
// is the shape the client produces. Nested objects indicate a misbehaving
// sender.
func isAllowedPropValue(val interface{}) bool {
	switch v := val.(type) {
	case nil, string, bool, float64, int, int64:
		return true
	case []interface{}:
		for _, item := range v {
			switch item.(type) {
			case string, float64, int, int64:
			default:
				return false
			}
		}
		return true
	case []string:
		return true
	default:
		return false
	}
}
