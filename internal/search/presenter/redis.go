package presenter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/aggregate"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/logger"
)

const (
	resultKeyPrefix = "search:results:"
	channelPrefix   = "search:events:"
	writeTimeout    = 2 * time.Second
)

// ResultKey is the Redis key holding a session's latest result set.
func ResultKey(sessionID string) string { return resultKeyPrefix + sessionID }

// Channel is the Redis pub/sub channel carrying a session's notices.
func Channel(sessionID string) string { return channelPrefix + sessionID }

// RedisStore is the subset of the Redis client the publisher needs.
// *redis.Client from pkg/redis satisfies it.
type RedisStore interface {
	Get(ctx context.Context, key string) (string, error)
	Publish(ctx context.Context, channel string, message []byte) error
	SetAndPublish(ctx context.Context, key string, value []byte, ttl time.Duration, channel string, message []byte) error
	Del(ctx context.Context, keys ...string) error
}

// Notice is the envelope sent on a session channel.
type Notice struct {
	Type      string    `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	Query     string    `json:"query,omitempty"`
	Label     string    `json:"label,omitempty"`
	Answered  int       `json:"answered_peers,omitempty"`
	Expected  int       `json:"expected_peers,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

type redisOp func(ctx context.Context, store RedisStore) error

// RedisPublisher mirrors session activity into Redis from a single worker
// goroutine. Presenter calls only enqueue; when the queue is full the
// write is dropped and logged.
type RedisPublisher struct {
	store  RedisStore
	ttl    time.Duration
	clock  clock.Clock
	ops    chan redisOp
	isNil  func(error) bool
	logger *slog.Logger
}

// NewRedisPublisher creates a publisher. isNil recognizes the store's
// key-not-found error.
func NewRedisPublisher(store RedisStore, ttl time.Duration, buffer int, isNil func(error) bool, clk clock.Clock) *RedisPublisher {
	if buffer <= 0 {
		buffer = 256
	}
	if clk == nil {
		clk = clock.New()
	}
	return &RedisPublisher{
		store:  store,
		ttl:    ttl,
		clock:  clk,
		ops:    make(chan redisOp, buffer),
		isNil:  isNil,
		logger: logger.WithComponent("redis-presenter"),
	}
}

// Run executes queued writes until ctx is cancelled, then drains what is
// already queued.
func (p *RedisPublisher) Run(ctx context.Context) error {
	p.logger.Info("redis presenter started", "ttl", p.ttl)
	for {
		select {
		case op := <-p.ops:
			p.exec(ctx, op)
		case <-ctx.Done():
			p.drain()
			return nil
		}
	}
}

func (p *RedisPublisher) drain() {
	for {
		select {
		case op := <-p.ops:
			p.exec(context.Background(), op)
		default:
			return
		}
	}
}

func (p *RedisPublisher) exec(ctx context.Context, op redisOp) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := op(ctx, p.store); err != nil {
		p.logger.Error("redis write failed", "error", err)
	}
}

func (p *RedisPublisher) enqueue(op redisOp) {
	select {
	case p.ops <- op:
	default:
		p.logger.Warn("redis write dropped (queue full)")
	}
}

// For returns the presenter for one session.
func (p *RedisPublisher) For(sessionID string) aggregate.Presenter {
	return &redisSession{pub: p, sessionID: sessionID}
}

// Load reads a stored result set. ok is false when none is stored.
func (p *RedisPublisher) Load(ctx context.Context, sessionID string) (rs ResultSet, ok bool, err error) {
	raw, err := p.store.Get(ctx, ResultKey(sessionID))
	if err != nil {
		if p.isNil != nil && p.isNil(err) {
			return ResultSet{}, false, nil
		}
		return ResultSet{}, false, fmt.Errorf("loading results for %s: %w", sessionID, err)
	}
	if err := json.Unmarshal([]byte(raw), &rs); err != nil {
		return ResultSet{}, false, fmt.Errorf("decoding results for %s: %w", sessionID, err)
	}
	return rs, true, nil
}

func (p *RedisPublisher) publish(sessionID string, n Notice) {
	n.At = p.clock.Now().UTC()
	msg, err := json.Marshal(n)
	if err != nil {
		p.logger.Error("failed to encode notice", "error", err)
		return
	}
	channel := Channel(sessionID)
	p.enqueue(func(ctx context.Context, s RedisStore) error {
		return s.Publish(ctx, channel, msg)
	})
}

type redisSession struct {
	pub       *RedisPublisher
	sessionID string
}

func (r *redisSession) OnLoadingStarted(l aggregate.LoadingStarted) {
	key := ResultKey(r.sessionID)
	r.pub.enqueue(func(ctx context.Context, s RedisStore) error {
		return s.Del(ctx, key)
	})
	r.pub.publish(r.sessionID, Notice{
		Type:      "loading",
		RequestID: l.RequestID,
		Query:     l.Query.Original,
		Label:     l.Label,
		Expected:  l.ExpectedPeers,
	})
}

func (r *redisSession) OnProgress(pr aggregate.Progress) {
	r.pub.publish(r.sessionID, Notice{
		Type:      "progress",
		RequestID: pr.RequestID,
		Label:     pr.Label,
		Answered:  pr.Answered,
		Expected:  pr.Expected,
	})
}

func (r *redisSession) OnFinalized(f aggregate.Finalized) {
	now := r.pub.clock.Now()
	value, err := json.Marshal(NewResultSet(r.sessionID, f, now))
	if err != nil {
		r.pub.logger.Error("failed to encode result set", "request_id", f.RequestID, "error", err)
		return
	}
	msg, err := json.Marshal(Notice{
		Type:      "finalized",
		RequestID: f.RequestID,
		Query:     f.Query.Original,
		Answered:  f.Answered,
		Expected:  f.Expected,
		Reason:    string(f.Reason),
		At:        now.UTC(),
	})
	if err != nil {
		r.pub.logger.Error("failed to encode notice", "error", err)
		return
	}
	key, channel, ttl := ResultKey(r.sessionID), Channel(r.sessionID), r.pub.ttl
	r.pub.enqueue(func(ctx context.Context, s RedisStore) error {
		return s.SetAndPublish(ctx, key, value, ttl, channel, msg)
	})
}

func (r *redisSession) OnDispatchFailed(d aggregate.DispatchFailure) {
	r.pub.publish(r.sessionID, Notice{
		Type:   "dispatch_failed",
		Query:  d.Query.Original,
		Reason: d.Reason,
	})
}
