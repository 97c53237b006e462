package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"hearthbeat/internal/constants"
	"hearthbeat/internal/logger"
	"hearthbeat/pkg/errors"
	"hearthbeat/pkg/models"
)

// Transport delivers one batch to the ingestion endpoint.
type Transport interface {
	// Send blocks until the endpoint accepts or rejects the batch. Any
	// non-2xx response or network error fails the whole batch; partial
	// acceptance is never assumed.
	Send(ctx context.Context, batch models.Batch) error

	// SendAsync is the teardown path: fire-and-forget, able to complete
	// after the caller has moved on. No outcome is reported.
	SendAsync(batch models.Batch)
}

type HTTPTransport struct {
	endpoint string
	client   *http.Client
	log      logger.Logger
}

func NewHTTPTransport(endpoint string, log logger.Logger) *HTTPTransport {
	return &HTTPTransport{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: constants.DeliveryTimeout,
		},
		log: log,
	}
}

func (t *HTTPTransport) Send(ctx context.Context, batch models.Batch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return errors.ErrDelivery.WithCause(fmt.Errorf("failed to marshal batch: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.ErrDelivery.WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.ErrDelivery.WithCause(err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.ErrDelivery.WithDetail("status_code", resp.StatusCode)
	}

	return nil
}

// SendAsync posts the batch from a detached goroutine with its own short
// deadline, so delivery can finish while the host is tearing down. There is
// no retry on this path: the process may terminate before any response.
func (t *HTTPTransport) SendAsync(batch models.Batch) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), constants.BeaconTimeout)
		defer cancel()

		if err := t.Send(ctx, batch); err != nil {
			t.log.Debugw("Teardown delivery failed",
				"batch_size", len(batch.Events),
				"error", err,
			)
		}
	}()
}
