package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/query"
	apperrors "github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/resilience"
)

func TestDispatchSendsQueryAndDecodesRegistration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/remote_query", r.URL.Path)
		assert.Equal(t, `"ubuntu" "iso" "linux"`, r.URL.Query().Get("txt_filter"))
		assert.Equal(t, "1", r.URL.Query().Get("hide_xxx"))
		assert.Equal(t, []string{"linux"}, r.URL.Query()["tags"])
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"request_uuid":"req-1","peers":["A","B","A",""]}`))
	}))
	defer srv.Close()

	d, err := New(Config{BaseURL: srv.URL + "/", APIKey: "secret", HideXXX: true}, srv.Client())
	require.NoError(t, err)

	reg, err := d.Dispatch(context.Background(), query.Parse("ubuntu iso #linux"))
	require.NoError(t, err)
	assert.Equal(t, "req-1", reg.RequestID)
	assert.Equal(t, []string{"A", "B"}, reg.Peers)
}

func TestDispatchRejectsBadResponses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `boom`},
		{"missing id", http.StatusOK, `{"peers":["A"]}`},
		{"malformed json", http.StatusOK, `{"request_uuid":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			d, err := New(Config{BaseURL: srv.URL}, srv.Client())
			require.NoError(t, err)
			_, err = d.Dispatch(context.Background(), query.Parse("abc"))
			assert.True(t, errors.Is(err, apperrors.ErrDispatchFailed), "got %v", err)
		})
	}
}

func TestDispatchTripsBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d, err := New(Config{
		BaseURL: srv.URL,
		Breaker: resilience.CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Hour},
	}, srv.Client())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = d.Dispatch(context.Background(), query.Parse("abc"))
		require.Error(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, resilience.StateOpen, d.BreakerState())
	assert.True(t, errors.Is(err, apperrors.ErrDispatchFailed))
}

func TestNewRequiresAbsoluteURL(t *testing.T) {
	_, err := New(Config{BaseURL: "localhost"}, nil)
	assert.Error(t, err)
}
