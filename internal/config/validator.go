package config

import (
	"fmt"

	"hearthbeat/internal/constants"
)

func ValidateStatic(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Broker.Type != "" && cfg.Broker.Type != "kafka" {
		return fmt.Errorf("broker.type must be \"kafka\", got %q", cfg.Broker.Type)
	}

	if cfg.Broker.Type == "kafka" && len(cfg.Broker.Kafka.Brokers) == 0 {
		return fmt.Errorf("broker.kafka.brokers must not be empty")
	}

	switch cfg.Guard.OnRedisError {
	case "", constants.FallbackAllow, constants.FallbackDeny:
	default:
		return fmt.Errorf("guard.on_redis_error must be %q or %q, got %q",
			constants.FallbackAllow, constants.FallbackDeny, cfg.Guard.OnRedisError)
	}

	switch cfg.Guard.HashAlgorithm {
	case "", "sha256", "md5":
	default:
		return fmt.Errorf("guard.hash_algorithm must be \"sha256\" or \"md5\", got %q", cfg.Guard.HashAlgorithm)
	}

	if cfg.Guard.TTLSeconds < 0 {
		return fmt.Errorf("guard.ttl_seconds must not be negative")
	}

	if cfg.Client.BatchSize < 0 {
		return fmt.Errorf("client.batch_size must not be negative")
	}

	return nil
}
