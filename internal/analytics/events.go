package analytics

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventSearchDispatched EventType = "search_dispatched"
	EventSearchDebounced  EventType = "search_debounced"
	EventSearchRejected   EventType = "search_rejected"
	EventDispatchFailed   EventType = "dispatch_failed"
	EventSearchRegistered EventType = "search_registered"
	EventSearchFinalized  EventType = "search_finalized"
)

// Event is one step of a search session's lifecycle. Fields that do not
// apply to a type are left zero.
type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	SessionID     string    `json:"session_id"`
	RequestID     string    `json:"request_id,omitempty"`
	Query         string    `json:"query,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	ExpectedPeers int       `json:"expected_peers,omitempty"`
	AnsweredPeers int       `json:"answered_peers,omitempty"`
	Batches       int       `json:"batches,omitempty"`
	Items         int       `json:"items,omitempty"`
	LatencyMs     int64     `json:"latency_ms,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewEvent stamps a fresh event id.
func NewEvent(t EventType, sessionID string, at time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		SessionID: sessionID,
		Timestamp: at.UTC(),
	}
}
