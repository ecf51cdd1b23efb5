// Package intake decodes peer responses published by the network core and
// routes them to live search sessions.
package intake

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/aggregate"
	apperrors "github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/metrics"
)

// RemoteQueryResults is the wire form of one peer's answer.
type RemoteQueryResults struct {
	UUID    string           `json:"uuid"`
	Peer    string           `json:"peer"`
	Results []aggregate.Item `json:"results"`
}

// Deliverer accepts validated responses.
type Deliverer interface {
	Deliver(ctx context.Context, resp aggregate.Response) error
}

// Decode parses and validates a wire message. Validation failures wrap
// ErrInvalidResponse.
func Decode(value []byte) (aggregate.Response, error) {
	var msg RemoteQueryResults
	if err := json.Unmarshal(value, &msg); err != nil {
		return aggregate.Response{}, fmt.Errorf("%w: %v", apperrors.ErrInvalidResponse, err)
	}
	return msg.Validate()
}

// Validate converts msg into a Response.
func (msg RemoteQueryResults) Validate() (aggregate.Response, error) {
	if msg.UUID == "" {
		return aggregate.Response{}, fmt.Errorf("%w: missing uuid", apperrors.ErrInvalidResponse)
	}
	if msg.Peer == "" {
		return aggregate.Response{}, fmt.Errorf("%w: missing peer", apperrors.ErrInvalidResponse)
	}
	items := msg.Results
	if items == nil {
		items = []aggregate.Item{}
	}
	return aggregate.Response{RequestID: msg.UUID, Peer: msg.Peer, Items: items}, nil
}

// HandleMessage returns a Kafka MessageHandler that feeds every valid
// response to d. Malformed messages are logged, counted and committed.
// m may be nil.
func HandleMessage(d Deliverer, m *metrics.Metrics) kafka.MessageHandler {
	log := logger.WithComponent("search-intake")
	return func(ctx context.Context, key []byte, value []byte) error {
		resp, err := Decode(value)
		if err != nil {
			log.Warn("dropping invalid remote response",
				"error", err,
				"key", string(key),
			)
			if m != nil {
				m.ResponsesTotal.WithLabelValues("invalid").Inc()
			}
			return nil
		}

		log.Debug("remote response received",
			"request_id", resp.RequestID,
			"peer", resp.Peer,
			"items", len(resp.Items),
		)
		if err := d.Deliver(ctx, resp); err != nil {
			return fmt.Errorf("delivering response for %s from %s: %w", resp.RequestID, resp.Peer, err)
		}
		return nil
	}
}
