// Package presenter holds the side-effect sinks a search session reports to:
// the in-memory latest result, Prometheus, Redis hand-off and the analytics
// event stream. Sinks are combined with Multi.
package presenter

import (
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/aggregate"
)

// Multi fans every call out to its members in order.
type Multi []aggregate.Presenter

func (m Multi) OnLoadingStarted(e aggregate.LoadingStarted) {
	for _, p := range m {
		p.OnLoadingStarted(e)
	}
}

func (m Multi) OnProgress(e aggregate.Progress) {
	for _, p := range m {
		p.OnProgress(e)
	}
}

func (m Multi) OnFinalized(e aggregate.Finalized) {
	for _, p := range m {
		p.OnFinalized(e)
	}
}

func (m Multi) OnDispatchFailed(e aggregate.DispatchFailure) {
	for _, p := range m {
		p.OnDispatchFailed(e)
	}
}

// OnSubmission forwards to the members that observe submissions.
func (m Multi) OnSubmission(s aggregate.Submission) {
	for _, p := range m {
		if o, ok := p.(aggregate.SubmissionObserver); ok {
			o.OnSubmission(s)
		}
	}
}

// ResultSet is the published form of a finalized search.
type ResultSet struct {
	SessionID   string           `json:"session_id"`
	RequestID   string           `json:"request_id"`
	Query       string           `json:"query"`
	Tags        []string         `json:"tags,omitempty"`
	Title       string           `json:"title"`
	Reason      string           `json:"reason"`
	Answered    int              `json:"answered_peers"`
	Expected    int              `json:"expected_peers"`
	ElapsedMs   int64            `json:"elapsed_ms"`
	Items       []aggregate.Item `json:"items"`
	FinalizedAt time.Time        `json:"finalized_at"`
}

// NewResultSet flattens f for publication.
func NewResultSet(sessionID string, f aggregate.Finalized, at time.Time) ResultSet {
	return ResultSet{
		SessionID:   sessionID,
		RequestID:   f.RequestID,
		Query:       f.Query.Original,
		Tags:        f.Query.Tags(),
		Title:       f.Title,
		Reason:      string(f.Reason),
		Answered:    f.Answered,
		Expected:    f.Expected,
		ElapsedMs:   f.Elapsed.Milliseconds(),
		Items:       f.Items(),
		FinalizedAt: at.UTC(),
	}
}

// Latest keeps the most recent finalized result of one session. A new
// registration clears it.
type Latest struct {
	sessionID string
	now       func() time.Time

	mu     sync.RWMutex
	result *ResultSet
}

// NewLatest returns an empty Latest. now may be nil.
func NewLatest(sessionID string, now func() time.Time) *Latest {
	if now == nil {
		now = time.Now
	}
	return &Latest{sessionID: sessionID, now: now}
}

func (l *Latest) OnLoadingStarted(aggregate.LoadingStarted) {
	l.mu.Lock()
	l.result = nil
	l.mu.Unlock()
}

func (l *Latest) OnProgress(aggregate.Progress) {}

func (l *Latest) OnFinalized(f aggregate.Finalized) {
	rs := NewResultSet(l.sessionID, f, l.now())
	l.mu.Lock()
	l.result = &rs
	l.mu.Unlock()
}

func (l *Latest) OnDispatchFailed(aggregate.DispatchFailure) {}

// Result returns the latest finalized result, if any.
func (l *Latest) Result() (ResultSet, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.result == nil {
		return ResultSet{}, false
	}
	return *l.result, true
}
