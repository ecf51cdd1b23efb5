// Package aggregatetest provides a Presenter that records every call, for
// tests that drive the aggregation machine or the coordinator.
package aggregatetest

import (
	"sync"

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/aggregate"
)

// Recorder is a concurrency-safe aggregate.Presenter.
type Recorder struct {
	mu       sync.Mutex
	loading  []aggregate.LoadingStarted
	progress []aggregate.Progress
	final    []aggregate.Finalized
	failures []aggregate.DispatchFailure
	submits  []aggregate.Submission
}

func (r *Recorder) OnLoadingStarted(e aggregate.LoadingStarted) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loading = append(r.loading, e)
}

func (r *Recorder) OnProgress(e aggregate.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, e)
}

func (r *Recorder) OnFinalized(e aggregate.Finalized) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.final = append(r.final, e)
}

func (r *Recorder) OnDispatchFailed(e aggregate.DispatchFailure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, e)
}

func (r *Recorder) OnSubmission(e aggregate.Submission) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.submits = append(r.submits, e)
}

func (r *Recorder) Loading() []aggregate.LoadingStarted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]aggregate.LoadingStarted(nil), r.loading...)
}

func (r *Recorder) Progress() []aggregate.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]aggregate.Progress(nil), r.progress...)
}

func (r *Recorder) Finalized() []aggregate.Finalized {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]aggregate.Finalized(nil), r.final...)
}

func (r *Recorder) Failures() []aggregate.DispatchFailure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]aggregate.DispatchFailure(nil), r.failures...)
}

func (r *Recorder) Submissions() []aggregate.Submission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]aggregate.Submission(nil), r.submits...)
}

// Peers lists the peer of every batch, in order.
func Peers(batches []aggregate.Batch) []string {
	peers := make([]string, len(batches))
	for i, b := range batches {
		peers[i] = b.Peer
	}
	return peers
}
