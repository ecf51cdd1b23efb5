package presenter

import (
	"github.com/benbjohnson/clock"

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/aggregate"
)

// Tracker buffers analytics events for publication without blocking.
type Tracker interface {
	Track(key string, value any)
}

// Analytics turns session activity into analytics events keyed by session,
// so one session's events stay ordered on a partition.
type Analytics struct {
	tracker   Tracker
	sessionID string
	clock     clock.Clock
}

func NewAnalytics(t Tracker, sessionID string, clk clock.Clock) *Analytics {
	if clk == nil {
		clk = clock.New()
	}
	return &Analytics{tracker: t, sessionID: sessionID, clock: clk}
}

func (a *Analytics) OnSubmission(s aggregate.Submission) {
	var typ analytics.EventType
	switch s.Outcome {
	case aggregate.SubmitDispatched:
		typ = analytics.EventSearchDispatched
	case aggregate.SubmitDebounced:
		typ = analytics.EventSearchDebounced
	case aggregate.SubmitEmpty:
		typ = analytics.EventSearchRejected
	default:
		return
	}
	e := a.event(typ)
	e.Query = s.Query.Original
	e.Tags = s.Query.Tags()
	a.tracker.Track(a.sessionID, e)
}

func (a *Analytics) OnLoadingStarted(l aggregate.LoadingStarted) {
	e := a.event(analytics.EventSearchRegistered)
	e.RequestID = l.RequestID
	e.Query = l.Query.Original
	e.ExpectedPeers = l.ExpectedPeers
	a.tracker.Track(a.sessionID, e)
}

func (a *Analytics) OnProgress(aggregate.Progress) {}

func (a *Analytics) OnFinalized(f aggregate.Finalized) {
	e := a.event(analytics.EventSearchFinalized)
	e.RequestID = f.RequestID
	e.Query = f.Query.Original
	e.Tags = f.Query.Tags()
	e.Reason = string(f.Reason)
	e.ExpectedPeers = f.Expected
	e.AnsweredPeers = f.Answered
	e.Batches = len(f.Batches)
	e.Items = len(f.Items())
	e.LatencyMs = f.Elapsed.Milliseconds()
	a.tracker.Track(a.sessionID, e)
}

func (a *Analytics) OnDispatchFailed(d aggregate.DispatchFailure) {
	e := a.event(analytics.EventDispatchFailed)
	e.Query = d.Query.Original
	e.Reason = d.Reason
	a.tracker.Track(a.sessionID, e)
}

func (a *Analytics) event(t analytics.EventType) analytics.Event {
	return analytics.NewEvent(t, a.sessionID, a.clock.Now())
}
