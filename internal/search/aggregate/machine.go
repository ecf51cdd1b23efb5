// Package aggregate implements the remote search aggregation state machine:
// it folds per-peer result batches into the one live SearchRequest, tracks
// which expected peers have answered and finalizes exactly once, either when
// every peer answered or when an external cutoff (timer or user) fires.
//
// A Machine is single-threaded. The coordinator drives it from its event
// loop; nothing here blocks or locks.
package aggregate

import (
	"log/slog"

	"github.com/benbjohnson/clock"

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/query"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/logger"
)

// State is the lifecycle phase of the current request.
type State int

const (
	StateIdle State = iota
	StateAwaiting
	// StateComplete: finalized after every expected peer answered.
	StateComplete
	// StateTimedOut: finalized early, by the timer or the user.
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaiting:
		return "awaiting_responses"
	case StateComplete:
		return "complete"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// View is what the presentation surface currently shows.
type View int

const (
	ViewNone View = iota
	ViewLoading
	ViewResults
)

func (v View) String() string {
	switch v {
	case ViewLoading:
		return "loading"
	case ViewResults:
		return "results"
	default:
		return "none"
	}
}

// Disposition classifies what Intake did with a response.
type Disposition int

const (
	Accepted Disposition = iota
	// Stale: no live request, or the response names another request id.
	Stale
	// AfterFinalize: the results view is already up for this request.
	AfterFinalize
	// UnexpectedPeer: the sender was not among the dispatched peers.
	UnexpectedPeer
)

func (d Disposition) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Stale:
		return "stale"
	case AfterFinalize:
		return "after_finalize"
	case UnexpectedPeer:
		return "unexpected_peer"
	default:
		return "unknown"
	}
}

// Snapshot is a read-only view of the machine for status endpoints.
type Snapshot struct {
	State         string   `json:"state"`
	View          string   `json:"view"`
	RequestID     string   `json:"request_id,omitempty"`
	Query         string   `json:"query,omitempty"`
	ExpectedPeers []string `json:"expected_peers,omitempty"`
	AnsweredPeers []string `json:"answered_peers,omitempty"`
	Batches       int      `json:"batches"`
	Label         string   `json:"label,omitempty"`
	HasResults    bool     `json:"has_results"`
}

// Machine owns at most one live SearchRequest.
type Machine struct {
	presenter Presenter
	clock     clock.Clock
	logger    *slog.Logger

	current *SearchRequest
	state   State
	view    View
}

// NewMachine returns an idle Machine reporting to p.
func NewMachine(p Presenter, clk clock.Clock) *Machine {
	if clk == nil {
		clk = clock.New()
	}
	return &Machine{
		presenter: p,
		clock:     clk,
		logger:    logger.WithComponent("search-aggregate"),
	}
}

// Register replaces any previous request with a fresh one built from reg and
// switches the view to loading. It reports whether the new request finalized
// immediately, which happens when reg names no peers.
func (m *Machine) Register(reg Registration, q query.Query) bool {
	if m.current != nil {
		m.logger.Debug("discarding superseded request",
			"request_id", m.current.ID,
			"state", m.state,
		)
	}
	m.current = newSearchRequest(reg, q, m.clock.Now())
	m.state = StateAwaiting
	m.view = ViewLoading

	m.presenter.OnLoadingStarted(LoadingStarted{
		RequestID:     m.current.ID,
		Query:         q,
		ExpectedPeers: m.current.ExpectedCount(),
		Label:         m.label(),
	})

	if m.current.IsComplete() {
		m.finalize(ReasonComplete)
		return true
	}
	return false
}

// Intake folds resp into the live request. The second result reports
// whether this response completed the request.
func (m *Machine) Intake(resp Response) (Disposition, bool) {
	if m.current == nil || resp.RequestID != m.current.ID {
		return Stale, false
	}
	if m.view == ViewResults {
		return AfterFinalize, false
	}
	if !m.current.Expects(resp.Peer) {
		return UnexpectedPeer, false
	}

	m.current.record(resp.Peer, resp.Items)
	m.presenter.OnProgress(Progress{
		RequestID: m.current.ID,
		Answered:  m.current.AnsweredCount(),
		Expected:  m.current.ExpectedCount(),
		Batches:   m.current.BatchCount(),
		Label:     m.label(),
	})

	if m.current.IsComplete() {
		m.finalize(ReasonComplete)
		return Accepted, true
	}
	return Accepted, false
}

// Timeout finalizes the request named by requestID with whatever has
// accumulated. Fires for superseded or already finalized requests are
// ignored and reported as false.
func (m *Machine) Timeout(requestID string) bool {
	if m.current == nil || m.current.ID != requestID || m.view == ViewResults {
		return false
	}
	m.finalize(ReasonTimeout)
	return true
}

// Show finalizes the live request on user demand. It is a no-op before any
// request has registered and after finalization.
func (m *Machine) Show() bool {
	if m.current == nil || m.view == ViewResults {
		return false
	}
	m.finalize(ReasonManual)
	return true
}

// Reset drops the live request. Later events for it are stale.
func (m *Machine) Reset() bool {
	if m.current == nil {
		return false
	}
	m.logger.Debug("request reset", "request_id", m.current.ID, "state", m.state)
	m.current = nil
	m.state = StateIdle
	m.view = ViewNone
	return true
}

// State returns the lifecycle phase of the live request.
func (m *Machine) State() State { return m.state }

// View returns what the presentation surface shows.
func (m *Machine) View() View { return m.view }

// Current returns the live request, or nil. Callers must not retain it
// across events.
func (m *Machine) Current() *SearchRequest { return m.current }

// Snapshot copies the observable state.
func (m *Machine) Snapshot() Snapshot {
	s := Snapshot{
		State: m.state.String(),
		View:  m.view.String(),
	}
	if m.current == nil {
		return s
	}
	s.RequestID = m.current.ID
	s.Query = m.current.Query.Original
	s.ExpectedPeers = m.current.ExpectedPeers()
	s.AnsweredPeers = m.current.AnsweredPeers()
	s.Batches = m.current.BatchCount()
	s.Label = m.label()
	return s
}

func (m *Machine) finalize(reason FinalizeReason) {
	req := m.current
	if req.IsComplete() {
		m.state = StateComplete
	} else {
		m.state = StateTimedOut
	}
	m.view = ViewResults

	m.logger.Info("search finalized",
		"request_id", req.ID,
		"reason", reason,
		"answered", req.AnsweredCount(),
		"expected", req.ExpectedCount(),
		"batches", req.BatchCount(),
	)
	m.presenter.OnFinalized(Finalized{
		RequestID: req.ID,
		Query:     req.Query,
		Title:     req.Query.Title(),
		Reason:    reason,
		Batches:   req.Batches(),
		Answered:  req.AnsweredCount(),
		Expected:  req.ExpectedCount(),
		Elapsed:   m.clock.Since(req.RegisteredAt),
	})
}

func (m *Machine) label() string {
	return ProgressLabel(m.current.AnsweredCount(), m.current.ExpectedCount(), m.current.BatchCount())
}
