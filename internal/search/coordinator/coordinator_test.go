package coordinator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/aggregate"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/aggregate/aggregatetest"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/coordinator"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/metrics"
)

const responseTimeout = 5 * time.Second

// fakeDispatcher answers from a table keyed by the query text. Texts with a
// gate block until the gate is closed.
type fakeDispatcher struct {
	mu    sync.Mutex
	regs  map[string]aggregate.Registration
	errs  map[string]error
	gates map[string]chan struct{}
	calls []string
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		regs:  make(map[string]aggregate.Registration),
		errs:  make(map[string]error),
		gates: make(map[string]chan struct{}),
	}
}

func (f *fakeDispatcher) answer(text, id string, peers ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[text] = aggregate.Registration{RequestID: id, Peers: peers}
}

func (f *fakeDispatcher) fail(text string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[text] = err
}

func (f *fakeDispatcher) hold(text string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gates[text] = gate
	return gate
}

func (f *fakeDispatcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, q query.Query) (aggregate.Registration, error) {
	f.mu.Lock()
	f.calls = append(f.calls, q.Original)
	gate := f.gates[q.Original]
	reg, err := f.regs[q.Original], f.errs[q.Original]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return aggregate.Registration{}, ctx.Err()
		}
	}
	return reg, err
}

type harness struct {
	c       *coordinator.Coordinator
	rec     *aggregatetest.Recorder
	clock   *clock.Mock
	d       *fakeDispatcher
	metrics *metrics.Metrics
	cancel  context.CancelFunc
}

func start(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		rec:     &aggregatetest.Recorder{},
		clock:   clock.NewMock(),
		d:       newFakeDispatcher(),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	h.c = coordinator.New(coordinator.Config{
		Name:             "test",
		DebounceCooldown: time.Second,
		ResponseTimeout:  responseTimeout,
		Clock:            h.clock,
		Metrics:          h.metrics,
	}, h.d, h.rec)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	errc := make(chan error, 1)
	go func() { errc <- h.c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return h
}

func (h *harness) waitRegistered(t *testing.T, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := h.c.Snapshot(context.Background())
		return err == nil && snap.RequestID == id
	}, time.Second, 5*time.Millisecond)
}

func (h *harness) waitFinalized(t *testing.T, n int) []aggregate.Finalized {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.rec.Finalized()) >= n
	}, time.Second, 5*time.Millisecond)
	return h.rec.Finalized()
}

func (h *harness) deliver(t *testing.T, id, peer string, names ...string) aggregate.Disposition {
	t.Helper()
	items := make([]aggregate.Item, len(names))
	for i, n := range names {
		items[i] = aggregate.Item{InfoHash: peer + n, Name: n}
	}
	d, err := h.c.Deliver(context.Background(), aggregate.Response{RequestID: id, Peer: peer, Items: items})
	require.NoError(t, err)
	return d
}

func TestSearchCompletesWhenAllPeersAnswer(t *testing.T) {
	h := start(t)
	ctx := context.Background()
	h.d.answer("ubuntu", "r1", "A", "B", "C")

	has, err := h.c.HasResults(ctx)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, h.c.Search(ctx, "ubuntu"))
	h.waitRegistered(t, "r1")

	has, err = h.c.HasResults(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	assert.Equal(t, aggregate.Accepted, h.deliver(t, "r1", "B", "b1"))
	assert.Equal(t, aggregate.Accepted, h.deliver(t, "r1", "A", "a1", "a2"))
	assert.Equal(t, aggregate.Accepted, h.deliver(t, "r1", "C"))

	final := h.waitFinalized(t, 1)
	require.Len(t, final, 1)
	assert.Equal(t, aggregate.ReasonComplete, final[0].Reason)
	assert.Equal(t, []string{"B", "A", "C"}, aggregatetest.Peers(final[0].Batches))
	assert.Len(t, final[0].Items(), 3)

	assert.Equal(t, aggregate.AfterFinalize, h.deliver(t, "r1", "A", "late"))

	// The timer was stopped at completion.
	h.clock.Add(responseTimeout)
	assert.Never(t, func() bool { return len(h.rec.Finalized()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, []string{"ubuntu"}, h.d.Calls())
}

func TestEmptyQueryIsNotDispatched(t *testing.T) {
	h := start(t)

	for _, raw := range []string{"", "   ", "?!", "# ?"} {
		err := h.c.Search(context.Background(), raw)
		assert.True(t, errors.Is(err, apperrors.ErrEmptyQuery), "query %q: %v", raw, err)
	}
	assert.Empty(t, h.d.Calls())
	assert.Empty(t, h.rec.Loading())
	assert.Equal(t, 4.0, testutil.ToFloat64(h.metrics.SearchesTotal.WithLabelValues("empty")))
}

func TestTagOnlyQueryIsDispatched(t *testing.T) {
	h := start(t)
	h.d.answer("#linux", "r1", "A")

	require.NoError(t, h.c.Search(context.Background(), "#linux"))
	h.waitRegistered(t, "r1")
	assert.Equal(t, []string{"#linux"}, h.d.Calls())
}

func TestEmptyQueryLeavesDebounceStateUntouched(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	require.ErrorIs(t, h.c.Search(ctx, "?!"), apperrors.ErrEmptyQuery)
	has, err := h.c.HasResults(ctx)
	require.NoError(t, err)
	assert.False(t, has, "only empty queries so far")

	h.d.answer("abc", "r1", "A")
	require.NoError(t, h.c.Search(ctx, "abc"))
	require.ErrorIs(t, h.c.Search(ctx, "?!"), apperrors.ErrEmptyQuery)

	h.clock.Add(500 * time.Millisecond)
	assert.ErrorIs(t, h.c.Search(ctx, "abc"), apperrors.ErrDebounced, "the empty query must not replace the last admitted text")

	has, err = h.c.HasResults(ctx)
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, []string{"abc"}, h.d.Calls())
}

func TestRepeatedSearchIsDebounced(t *testing.T) {
	h := start(t)
	ctx := context.Background()
	h.d.answer("abc", "r1", "A")

	require.NoError(t, h.c.Search(ctx, "abc"))
	h.clock.Add(500 * time.Millisecond)
	assert.ErrorIs(t, h.c.Search(ctx, "abc"), apperrors.ErrDebounced)

	require.NoError(t, h.c.Search(ctx, "abd"), "different text is never debounced")

	h.clock.Add(700 * time.Millisecond)
	require.NoError(t, h.c.Search(ctx, "abc"))

	require.Eventually(t, func() bool { return len(h.d.Calls()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SearchesTotal.WithLabelValues("debounced")))

	var outcomes []aggregate.SubmitOutcome
	for _, s := range h.rec.Submissions() {
		outcomes = append(outcomes, s.Outcome)
	}
	assert.Equal(t, []aggregate.SubmitOutcome{
		aggregate.SubmitDispatched,
		aggregate.SubmitDebounced,
		aggregate.SubmitDispatched,
		aggregate.SubmitDispatched,
	}, outcomes)
}

func TestTimeoutFinalizesPartialResults(t *testing.T) {
	h := start(t)
	h.d.answer("abc", "r1", "A", "B")

	require.NoError(t, h.c.Search(context.Background(), "abc"))
	h.waitRegistered(t, "r1")
	h.deliver(t, "r1", "A", "x")

	h.clock.Add(responseTimeout - time.Millisecond)
	assert.Never(t, func() bool { return len(h.rec.Finalized()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	h.clock.Add(time.Millisecond)
	final := h.waitFinalized(t, 1)
	assert.Equal(t, aggregate.ReasonTimeout, final[0].Reason)
	assert.Equal(t, 1, final[0].Answered)
	assert.Equal(t, 2, final[0].Expected)

	snap, err := h.c.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, aggregate.StateTimedOut.String(), snap.State)

	assert.Equal(t, aggregate.AfterFinalize, h.deliver(t, "r1", "B", "straggler"))
	assert.Len(t, h.rec.Finalized(), 1)
}

func TestLateRegistrationOfOlderDispatchIsDropped(t *testing.T) {
	h := start(t)
	ctx := context.Background()
	h.d.answer("first", "r1", "A")
	h.d.answer("second", "r2", "A")
	gate := h.d.hold("first")

	require.NoError(t, h.c.Search(ctx, "first"))
	require.NoError(t, h.c.Search(ctx, "second"))
	h.waitRegistered(t, "r2")

	close(gate)
	assert.Never(t, func() bool { return len(h.rec.Loading()) > 1 }, 100*time.Millisecond, 5*time.Millisecond)

	snap, err := h.c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r2", snap.RequestID)
	assert.Equal(t, aggregate.Stale, h.deliver(t, "r1", "A"))
}

func TestNewRegistrationDiscardsPreviousRequest(t *testing.T) {
	h := start(t)
	ctx := context.Background()
	h.d.answer("first", "r1", "A", "B")
	h.d.answer("second", "r2", "A", "B")

	require.NoError(t, h.c.Search(ctx, "first"))
	h.waitRegistered(t, "r1")
	h.deliver(t, "r1", "A", "x")

	require.NoError(t, h.c.Search(ctx, "second"))
	h.waitRegistered(t, "r2")
	assert.Equal(t, aggregate.Stale, h.deliver(t, "r1", "B"))

	// Only the second request's timer remains armed.
	h.clock.Add(responseTimeout)
	final := h.waitFinalized(t, 1)
	assert.Equal(t, "r2", final[0].RequestID)
	assert.Empty(t, final[0].Batches)
}

func TestDispatchFailureKeepsLiveRequest(t *testing.T) {
	h := start(t)
	ctx := context.Background()
	h.d.answer("good", "r1", "A")
	h.d.fail("bad", apperrors.ErrDispatchFailed)

	require.NoError(t, h.c.Search(ctx, "good"))
	h.waitRegistered(t, "r1")
	require.NoError(t, h.c.Search(ctx, "bad"))

	require.Eventually(t, func() bool { return len(h.rec.Failures()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "bad", h.rec.Failures()[0].Query.Original)

	snap, err := h.c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r1", snap.RequestID)
	assert.Equal(t, aggregate.StateAwaiting.String(), snap.State)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.SearchesTotal.WithLabelValues("dispatch_failed")))
}

func TestFailureOfSupersededDispatchIsIgnored(t *testing.T) {
	h := start(t)
	ctx := context.Background()
	h.d.fail("old", apperrors.ErrDispatchFailed)
	h.d.answer("new", "r2", "A")
	oldGate := h.d.hold("old")
	newGate := h.d.hold("new")

	require.NoError(t, h.c.Search(ctx, "old"))
	require.NoError(t, h.c.Search(ctx, "new"))
	require.Eventually(t, func() bool { return len(h.d.Calls()) == 2 }, time.Second, 5*time.Millisecond)

	close(oldGate)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.SearchesTotal.WithLabelValues("dispatch_failed")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, h.rec.Failures())

	close(newGate)
	h.waitRegistered(t, "r2")
	assert.Empty(t, h.rec.Failures())
}

func TestShowResultsFinalizesManually(t *testing.T) {
	h := start(t)
	ctx := context.Background()

	shown, err := h.c.ShowResults(ctx)
	require.NoError(t, err)
	assert.False(t, shown, "nothing registered yet")

	h.d.answer("abc", "r1", "A", "B")
	require.NoError(t, h.c.Search(ctx, "abc"))
	h.waitRegistered(t, "r1")
	h.deliver(t, "r1", "B", "x")

	shown, err = h.c.ShowResults(ctx)
	require.NoError(t, err)
	assert.True(t, shown)

	final := h.waitFinalized(t, 1)
	assert.Equal(t, aggregate.ReasonManual, final[0].Reason)
	assert.Equal(t, []string{"B"}, aggregatetest.Peers(final[0].Batches))

	shown, err = h.c.ShowResults(ctx)
	require.NoError(t, err)
	assert.False(t, shown)

	h.clock.Add(responseTimeout)
	assert.Never(t, func() bool { return len(h.rec.Finalized()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestEmptyPeerSetFinalizesImmediately(t *testing.T) {
	h := start(t)
	h.d.answer("lonely", "r1")

	require.NoError(t, h.c.Search(context.Background(), "lonely"))
	final := h.waitFinalized(t, 1)
	assert.Equal(t, aggregate.ReasonComplete, final[0].Reason)
	assert.Equal(t, 0, final[0].Expected)
}

func TestUnexpectedPeerIsDiscarded(t *testing.T) {
	h := start(t)
	h.d.answer("abc", "r1", "A")

	require.NoError(t, h.c.Search(context.Background(), "abc"))
	h.waitRegistered(t, "r1")

	assert.Equal(t, aggregate.UnexpectedPeer, h.deliver(t, "r1", "Z", "x"))
	assert.Empty(t, h.rec.Finalized())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ResponsesTotal.WithLabelValues("unexpected_peer")))
}

func TestResetAbandonsLiveAndInFlightSearches(t *testing.T) {
	h := start(t)
	ctx := context.Background()
	h.d.answer("abc", "r1", "A")
	h.d.answer("slow", "r2", "A")

	require.NoError(t, h.c.Search(ctx, "abc"))
	h.waitRegistered(t, "r1")

	gate := h.d.hold("slow")
	require.NoError(t, h.c.Search(ctx, "slow"))

	reset, err := h.c.Reset(ctx)
	require.NoError(t, err)
	assert.True(t, reset)

	close(gate)
	assert.Never(t, func() bool { return len(h.rec.Loading()) > 1 }, 100*time.Millisecond, 5*time.Millisecond)

	snap, err := h.c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, aggregate.StateIdle.String(), snap.State)
	assert.Empty(t, snap.RequestID)
	assert.Equal(t, aggregate.Stale, h.deliver(t, "r1", "A"))

	h.clock.Add(responseTimeout)
	assert.Never(t, func() bool { return len(h.rec.Finalized()) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestStoppedCoordinatorRejectsCalls(t *testing.T) {
	h := start(t)
	h.cancel()
	<-h.c.Done()

	err := h.c.Search(context.Background(), "abc")
	assert.ErrorIs(t, err, apperrors.ErrCoordinatorDown)
	_, err = h.c.Snapshot(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrCoordinatorDown)
}
