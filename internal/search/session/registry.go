// Package session keeps the live search sessions of a coordinator process.
// Each session owns one Coordinator running on its own goroutine.
package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/aggregate"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/coordinator"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/presenter"
	apperrors "github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/metrics"
)

// ResultSource exposes a session's latest finalized result.
type ResultSource interface {
	Result() (presenter.ResultSet, bool)
}

// Builder wires a coordinator for a new session id.
type Builder func(id string) (*coordinator.Coordinator, ResultSource)

// Session is one live search session.
type Session struct {
	ID          string
	CreatedAt   time.Time
	Coordinator *coordinator.Coordinator
	Results     ResultSource

	cancel context.CancelFunc
}

// Options configure a Registry.
type Options struct {
	Build       Builder
	MaxSessions int
	Metrics     *metrics.Metrics
}

// Registry owns all sessions. Coordinators run under the context passed to
// NewRegistry and stop when it is cancelled or the session is closed.
type Registry struct {
	base context.Context
	opts Options

	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

func NewRegistry(ctx context.Context, opts Options) *Registry {
	return &Registry{
		base:     ctx,
		opts:     opts,
		sessions: make(map[string]*Session),
		logger:   logger.WithComponent("session-registry"),
	}
}

// Create starts a new session.
func (r *Registry) Create() (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.opts.MaxSessions > 0 && len(r.sessions) >= r.opts.MaxSessions {
		return nil, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusTooManyRequests, "session limit of %d reached", r.opts.MaxSessions)
	}

	id := uuid.NewString()
	c, results := r.opts.Build(id)
	ctx, cancel := context.WithCancel(r.base)
	s := &Session{
		ID:          id,
		CreatedAt:   time.Now().UTC(),
		Coordinator: c,
		Results:     results,
		cancel:      cancel,
	}
	r.sessions[id] = s

	go func() {
		if err := c.Run(ctx); err != nil {
			r.logger.Error("session coordinator failed", "session_id", id, "error", err)
		}
	}()

	if r.opts.Metrics != nil {
		r.opts.Metrics.ActiveSessions.Inc()
	}
	r.logger.Info("session created", "session_id", id, "active", len(r.sessions))
	return s, nil
}

// Get returns the live session with id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, apperrors.ErrSessionNotFound
	}
	return s, nil
}

// Close stops the session and waits for its coordinator to exit.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return apperrors.ErrSessionNotFound
	}
	return r.stop(ctx, s)
}

// stop cancels s, which has already left the registry, and waits for its
// coordinator. The gauge follows registry membership, not the wait.
func (r *Registry) stop(ctx context.Context, s *Session) error {
	s.cancel()
	if r.opts.Metrics != nil {
		r.opts.Metrics.ActiveSessions.Dec()
	}
	select {
	case <-s.Coordinator.Done():
	case <-ctx.Done():
		r.logger.Warn("session close timed out", "session_id", s.ID, "error", ctx.Err())
		return ctx.Err()
	}
	r.logger.Info("session closed", "session_id", s.ID)
	return nil
}

// Shutdown closes every session.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := r.stop(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IDs lists the live session ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Deliver offers resp to every live session. Each coordinator keeps it only
// if the request id is its own; sessions stopping concurrently are skipped.
func (r *Registry) Deliver(ctx context.Context, resp aggregate.Response) error {
	r.mu.RLock()
	targets := make([]*coordinator.Coordinator, 0, len(r.sessions))
	for _, s := range r.sessions {
		targets = append(targets, s.Coordinator)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if _, err := c.Deliver(ctx, resp); err != nil {
			if errors.Is(err, apperrors.ErrCoordinatorDown) {
				continue
			}
			return err
		}
	}
	return nil
}
