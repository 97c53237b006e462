package broker

import (
	"context"

	"hearthbeat/pkg/models"
)

// Producer publishes accepted tracking events for downstream consumers.
type Producer interface {
	Publish(ctx context.Context, topic string, event models.Event) error
	Close() error
}
