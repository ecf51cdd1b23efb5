// Package coordinator runs one search session: it debounces user searches,
// dispatches them to the network core, feeds peer responses into the
// aggregation machine and arms the response timer.
//
// All session state is owned by a single goroutine (Run). Public methods
// post events to it and wait for the reply, so they are safe to call from
// HTTP handlers, Kafka consumers and timer callbacks concurrently.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/aggregate"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/debounce"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/tracing"
)

// Dispatcher registers a query with the network core.
type Dispatcher interface {
	Dispatch(ctx context.Context, q query.Query) (aggregate.Registration, error)
}

// Config tunes a Coordinator. Zero values fall back to defaults.
type Config struct {
	// Name identifies the session in logs.
	Name             string
	DebounceCooldown time.Duration
	ResponseTimeout  time.Duration
	DispatchTimeout  time.Duration
	EventBuffer      int
	Clock            clock.Clock
	// Metrics is optional.
	Metrics *metrics.Metrics
}

const (
	defaultResponseTimeout = 20 * time.Second
	defaultDispatchTimeout = 10 * time.Second
	defaultEventBuffer     = 64
)

// Coordinator serializes all activity of one session through its event loop.
type Coordinator struct {
	cfg        Config
	dispatcher Dispatcher
	presenter  aggregate.Presenter
	observer   aggregate.SubmissionObserver
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     *slog.Logger

	events chan event
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	// Owned by the loop.
	runCtx        context.Context
	machine       *aggregate.Machine
	gate          *debounce.Gate
	generation    uint64
	registeredGen uint64
	timer         *clock.Timer
}

// New returns a Coordinator that is idle until Run is called.
func New(cfg Config, d Dispatcher, p aggregate.Presenter) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaultDispatchTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	log := logger.WithComponent("search-coordinator")
	if cfg.Name != "" {
		log = log.With("session_id", cfg.Name)
	}
	observer, _ := p.(aggregate.SubmissionObserver)

	return &Coordinator{
		cfg:        cfg,
		dispatcher: d,
		presenter:  p,
		observer:   observer,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		logger:     log,
		events:     make(chan event, cfg.EventBuffer),
		done:       make(chan struct{}),
		machine:    aggregate.NewMachine(p, cfg.Clock),
		gate:       debounce.NewGate(cfg.DebounceCooldown),
	}
}

// Run processes events until ctx is cancelled. It must be called once.
// In-flight dispatches are abandoned and awaited before Run returns.
func (c *Coordinator) Run(ctx context.Context) error {
	started := false
	c.once.Do(func() { started = true })
	if !started {
		return errors.New("coordinator: Run called twice")
	}

	c.runCtx = ctx
	c.logger.Info("coordinator started",
		"response_timeout", c.cfg.ResponseTimeout,
		"debounce_cooldown", c.cfg.DebounceCooldown,
	)
	defer func() {
		c.stopTimer()
		close(c.done)
		c.wg.Wait()
		c.logger.Info("coordinator stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-c.events:
			c.handle(ev)
		}
	}
}

// Done is closed once Run has returned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Search submits raw user text. It returns ErrEmptyQuery when nothing is
// searchable and ErrDebounced when the same text was dispatched within the
// cooldown; otherwise the dispatch proceeds in the background.
func (c *Coordinator) Search(ctx context.Context, raw string, tags ...string) error {
	q := query.Parse(raw, tags...)
	reply := make(chan error, 1)
	if err := c.post(ctx, searchEvent{q: q, reply: reply}); err != nil {
		return err
	}
	res, err := await(ctx, c, reply)
	if err != nil {
		return err
	}
	return res
}

// Deliver hands a peer response to the session.
func (c *Coordinator) Deliver(ctx context.Context, resp aggregate.Response) (aggregate.Disposition, error) {
	reply := make(chan aggregate.Disposition, 1)
	if err := c.post(ctx, responseEvent{resp: resp, reply: reply}); err != nil {
		return aggregate.Stale, err
	}
	return await(ctx, c, reply)
}

// ShowResults finalizes the live request immediately with what has
// accumulated. It reports false when there is nothing to show.
func (c *Coordinator) ShowResults(ctx context.Context) (bool, error) {
	reply := make(chan bool, 1)
	if err := c.post(ctx, showEvent{reply: reply}); err != nil {
		return false, err
	}
	return await(ctx, c, reply)
}

// Reset drops the live request and abandons dispatches still in flight.
func (c *Coordinator) Reset(ctx context.Context) (bool, error) {
	reply := make(chan bool, 1)
	if err := c.post(ctx, resetEvent{reply: reply}); err != nil {
		return false, err
	}
	return await(ctx, c, reply)
}

// Snapshot returns the observable session state.
func (c *Coordinator) Snapshot(ctx context.Context) (aggregate.Snapshot, error) {
	reply := make(chan aggregate.Snapshot, 1)
	if err := c.post(ctx, snapshotEvent{reply: reply}); err != nil {
		return aggregate.Snapshot{}, err
	}
	return await(ctx, c, reply)
}

// HasResults reports whether any search has passed the debounce gate in
// this session.
func (c *Coordinator) HasResults(ctx context.Context) (bool, error) {
	snap, err := c.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	return snap.HasResults, nil
}

func (c *Coordinator) post(ctx context.Context, ev event) error {
	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return apperrors.ErrCoordinatorDown
	}
}

// postInternal is used by background goroutines that have no caller ctx.
func (c *Coordinator) postInternal(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func await[T any](ctx context.Context, c *Coordinator, reply <-chan T) (T, error) {
	var zero T
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.done:
		select {
		case v := <-reply:
			return v, nil
		default:
		}
		return zero, apperrors.ErrCoordinatorDown
	}
}

func (c *Coordinator) handle(ev event) {
	switch e := ev.(type) {
	case searchEvent:
		e.reply <- c.onSearch(e.q)
	case registeredEvent:
		c.onRegistered(e)
	case dispatchFailedEvent:
		c.onDispatchFailed(e)
	case responseEvent:
		e.reply <- c.onResponse(e.resp)
	case timeoutEvent:
		c.onTimeout(e)
	case showEvent:
		shown := c.machine.Show()
		if shown {
			c.stopTimer()
		}
		e.reply <- shown
	case resetEvent:
		e.reply <- c.onReset()
	case snapshotEvent:
		snap := c.machine.Snapshot()
		snap.HasResults = c.gate.HasAdmitted()
		e.reply <- snap
	default:
		c.logger.Error("unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

func (c *Coordinator) onSearch(q query.Query) error {
	if q.Empty() {
		c.observe(q, aggregate.SubmitEmpty)
		return apperrors.ErrEmptyQuery
	}
	if !c.gate.Admit(q, c.clock.Now()) {
		c.logger.Debug("search debounced", "query", q.Original)
		c.observe(q, aggregate.SubmitDebounced)
		return apperrors.ErrDebounced
	}

	c.generation++
	c.observe(q, aggregate.SubmitDispatched)
	c.wg.Add(1)
	go c.dispatch(c.generation, q)
	return nil
}

func (c *Coordinator) dispatch(gen uint64, q query.Query) {
	defer c.wg.Done()

	ctx, span := tracing.StartSpan(c.runCtx, "search", uuid.NewString())
	span.SetAttr("query", q.Original)
	span.SetAttr("generation", gen)

	results := make(chan aggregate.Registration, 1)
	err := resilience.WithTimeout(ctx, c.cfg.DispatchTimeout, "dispatch", func(ctx context.Context) error {
		reg, err := c.dispatcher.Dispatch(ctx, q)
		if err != nil {
			return err
		}
		results <- reg
		return nil
	})
	span.End()
	span.Log(c.logger)

	if err != nil {
		c.postInternal(dispatchFailedEvent{gen: gen, q: q, err: err})
		return
	}
	c.postInternal(registeredEvent{gen: gen, q: q, reg: <-results})
}

func (c *Coordinator) onRegistered(e registeredEvent) {
	if e.gen <= c.registeredGen {
		c.logger.Debug("dropping superseded registration",
			"request_id", e.reg.RequestID,
			"generation", e.gen,
			"registered_generation", c.registeredGen,
		)
		return
	}
	c.stopTimer()
	c.registeredGen = e.gen

	c.logger.Info("remote search registered",
		"request_id", e.reg.RequestID,
		"query", e.q.Original,
		"peers", len(e.reg.Peers),
	)
	if c.machine.Register(e.reg, e.q) {
		return
	}

	fired := timeoutEvent{requestID: e.reg.RequestID, gen: e.gen}
	c.timer = c.clock.AfterFunc(c.cfg.ResponseTimeout, func() {
		c.postInternal(fired)
	})
}

func (c *Coordinator) onDispatchFailed(e dispatchFailedEvent) {
	if c.metrics != nil {
		c.metrics.SearchesTotal.WithLabelValues("dispatch_failed").Inc()
	}
	if e.gen < c.generation || e.gen <= c.registeredGen {
		c.logger.Debug("ignoring failure of superseded dispatch", "query", e.q.Original, "error", e.err)
		return
	}
	c.logger.Warn("remote search dispatch failed", "query", e.q.Original, "error", e.err)
	c.presenter.OnDispatchFailed(aggregate.DispatchFailure{
		Query:  e.q,
		Reason: e.err.Error(),
	})
}

func (c *Coordinator) onResponse(resp aggregate.Response) aggregate.Disposition {
	disposition, completed := c.machine.Intake(resp)
	if c.metrics != nil {
		c.metrics.ResponsesTotal.WithLabelValues(disposition.String()).Inc()
	}
	if disposition != aggregate.Accepted {
		c.logger.Debug("response discarded",
			"request_id", resp.RequestID,
			"peer", resp.Peer,
			"disposition", disposition,
		)
	}
	if completed {
		c.stopTimer()
	}
	return disposition
}

// onTimeout ignores a timer that fired for an earlier registration, even when
// the dispatcher reused its request id.
func (c *Coordinator) onTimeout(e timeoutEvent) {
	if e.gen == c.registeredGen && c.machine.Timeout(e.requestID) {
		c.timer = nil
		return
	}
	c.logger.Debug("ignoring stale timeout",
		"request_id", e.requestID,
		"generation", e.gen,
		"registered_generation", c.registeredGen,
	)
}

func (c *Coordinator) onReset() bool {
	c.stopTimer()
	c.registeredGen = c.generation
	return c.machine.Reset()
}

func (c *Coordinator) observe(q query.Query, outcome aggregate.SubmitOutcome) {
	if c.metrics != nil {
		c.metrics.SearchesTotal.WithLabelValues(string(outcome)).Inc()
	}
	if c.observer != nil {
		c.observer.OnSubmission(aggregate.Submission{Query: q, Outcome: outcome})
	}
}

func (c *Coordinator) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}
