// Package dispatch registers remote queries with the local network core. The
// core fans the query out to connected peers and answers with the request id
// and the peers it reached; peer answers arrive later on a separate channel.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/aggregate"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/tracing"
)

const remoteQueryPath = "/remote_query"

// Config describes how to reach the network core.
type Config struct {
	BaseURL string
	APIKey  string
	HideXXX bool
	Timeout time.Duration
	Breaker resilience.CircuitBreakerConfig
}

// HTTPDispatcher issues remote queries over the core's REST API.
type HTTPDispatcher struct {
	base    *url.URL
	apiKey  string
	hideXXX bool
	client  *http.Client
	breaker *resilience.CircuitBreaker
	logger  *slog.Logger
}

type registrationBody struct {
	RequestUUID string   `json:"request_uuid"`
	Peers       []string `json:"peers"`
}

// New validates cfg and returns a dispatcher. client may be nil.
func New(cfg Config, client *http.Client) (*HTTPDispatcher, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing core url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("core url %q must be absolute", cfg.BaseURL)
	}
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPDispatcher{
		base:    base,
		apiKey:  cfg.APIKey,
		hideXXX: cfg.HideXXX,
		client:  client,
		breaker: resilience.NewCircuitBreaker("network-core", cfg.Breaker),
		logger:  logger.WithComponent("search-dispatch"),
	}, nil
}

// Dispatch registers q with the core. Errors wrap ErrDispatchFailed.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, q query.Query) (aggregate.Registration, error) {
	ctx, span := tracing.StartChildSpan(ctx, "dispatch.remote_query")
	defer span.End()

	var reg aggregate.Registration
	err := d.breaker.Execute(func() error {
		var callErr error
		reg, callErr = d.call(ctx, q)
		return callErr
	})
	if err != nil {
		span.SetAttr("error", err.Error())
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return aggregate.Registration{}, fmt.Errorf("%w: %v", apperrors.ErrDispatchFailed, err)
		}
		return aggregate.Registration{}, err
	}

	span.SetAttr("request_id", reg.RequestID)
	span.SetAttr("peers", len(reg.Peers))
	d.logger.Debug("remote query registered",
		"request_id", reg.RequestID,
		"peers", len(reg.Peers),
	)
	return reg, nil
}

// BreakerState reports the state of the circuit guarding the core.
func (d *HTTPDispatcher) BreakerState() resilience.State {
	return d.breaker.GetState()
}

func (d *HTTPDispatcher) call(ctx context.Context, q query.Query) (aggregate.Registration, error) {
	params := url.Values{}
	params.Set("txt_filter", q.FTS())
	params.Set("hide_xxx", boolParam(d.hideXXX))
	for _, tag := range q.Tags() {
		params.Add("tags", tag)
	}

	u := *d.base
	u.Path += remoteQueryPath
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), nil)
	if err != nil {
		return aggregate.Registration{}, fmt.Errorf("%w: building request: %v", apperrors.ErrDispatchFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	if d.apiKey != "" {
		req.Header.Set("X-Api-Key", d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return aggregate.Registration{}, fmt.Errorf("%w: %v", apperrors.ErrDispatchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return aggregate.Registration{}, fmt.Errorf("%w: core returned %d: %s",
			apperrors.ErrDispatchFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var body registrationBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return aggregate.Registration{}, fmt.Errorf("%w: decoding registration: %v", apperrors.ErrDispatchFailed, err)
	}
	return toRegistration(body)
}

func toRegistration(body registrationBody) (aggregate.Registration, error) {
	if body.RequestUUID == "" {
		return aggregate.Registration{}, fmt.Errorf("%w: registration without request_uuid", apperrors.ErrDispatchFailed)
	}
	seen := make(map[string]struct{}, len(body.Peers))
	peers := make([]string, 0, len(body.Peers))
	for _, p := range body.Peers {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		peers = append(peers, p)
	}
	return aggregate.Registration{RequestID: body.RequestUUID, Peers: peers}, nil
}

func boolParam(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
