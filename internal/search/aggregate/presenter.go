package aggregate

import (
	"fmt"
	"time"

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/query"
)

// FinalizeReason says what ended the aggregation.
type FinalizeReason string

const (
	ReasonComplete FinalizeReason = "complete"
	ReasonTimeout  FinalizeReason = "timeout"
	ReasonManual   FinalizeReason = "manual"
)

// LoadingStarted is emitted once per registered request.
type LoadingStarted struct {
	RequestID     string
	Query         query.Query
	ExpectedPeers int
	Label         string
}

// Progress is emitted after every accepted batch.
type Progress struct {
	RequestID string
	Answered  int
	Expected  int
	Batches   int
	Label     string
}

// Finalized carries the aggregate handed to the presentation layer.
type Finalized struct {
	RequestID string
	Query     query.Query
	Title     string
	Reason    FinalizeReason
	Batches   []Batch
	Answered  int
	Expected  int
	Elapsed   time.Duration
}

// Items concatenates the batches in arrival order.
func (f Finalized) Items() []Item {
	n := 0
	for _, b := range f.Batches {
		n += len(b.Items)
	}
	items := make([]Item, 0, n)
	for _, b := range f.Batches {
		items = append(items, b.Items...)
	}
	return items
}

// DispatchFailure reports that the network collaborator refused or could
// not register a query.
type DispatchFailure struct {
	Query  query.Query
	Reason string
}

// Presenter receives the observable side effects of the state machine. Calls
// happen on the coordinator's event loop and must not block for long.
type Presenter interface {
	OnLoadingStarted(LoadingStarted)
	OnProgress(Progress)
	OnFinalized(Finalized)
	OnDispatchFailed(DispatchFailure)
}

// ProgressLabel renders the loading-view status line.
func ProgressLabel(answered, expected, batches int) string {
	return fmt.Sprintf("Remote responses: %d / %d\nNew remote results received: %d", answered, expected, batches)
}

// SubmitOutcome says what became of a search submission.
type SubmitOutcome string

const (
	SubmitDispatched SubmitOutcome = "dispatched"
	SubmitEmpty      SubmitOutcome = "empty"
	SubmitDebounced  SubmitOutcome = "debounced"
)

// Submission describes one user search attempt.
type Submission struct {
	Query   query.Query
	Outcome SubmitOutcome
}

// SubmissionObserver is implemented by presenters that also track searches
// rejected before they reach the network.
type SubmissionObserver interface {
	OnSubmission(Submission)
}
