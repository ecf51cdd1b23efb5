// Package handler exposes search sessions over HTTP.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/aggregate"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/intake"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/presenter"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/session"
	apperrors "github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Sessions is the registry surface the handler needs.
type Sessions interface {
	Create() (*session.Session, error)
	Get(id string) (*session.Session, error)
	Close(ctx context.Context, id string) error
	Deliver(ctx context.Context, resp aggregate.Response) error
}

// StoredResults reads results that outlive their session.
type StoredResults interface {
	Load(ctx context.Context, sessionID string) (presenter.ResultSet, bool, error)
}

type Handler struct {
	sessions Sessions
	stored   StoredResults
	logger   *slog.Logger
}

type searchRequest struct {
	Query string   `json:"query"`
	Tags  []string `json:"tags"`
}

type sessionView struct {
	SessionID string `json:"session_id"`
	aggregate.Snapshot
}

// New creates a Handler. stored may be nil.
func New(sessions Sessions, stored StoredResults) *Handler {
	return &Handler{
		sessions: sessions,
		stored:   stored,
		logger:   logger.WithComponent("search-handler"),
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sessions", h.CreateSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", h.GetSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", h.CloseSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/search", h.Search)
	mux.HandleFunc("POST /api/v1/sessions/{id}/show", h.ShowResults)
	mux.HandleFunc("POST /api/v1/sessions/{id}/reset", h.Reset)
	mux.HandleFunc("GET /api/v1/sessions/{id}/results", h.Results)
	mux.HandleFunc("POST /api/v1/responses", h.IngestResponse)
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Create()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"session_id": s.ID})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ctx, ok := h.session(w, r)
	if !ok {
		return
	}
	snap, err := s.Coordinator.Snapshot(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sessionView{SessionID: s.ID, Snapshot: snap})
}

func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Close(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	s, ctx, ok := h.session(w, r)
	if !ok {
		return
	}
	var req searchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.Coordinator.Search(ctx, req.Query, req.Tags...); err != nil {
		h.fail(w, r, err)
		return
	}
	logger.FromContext(ctx).Info("search accepted", "query", req.Query, "tags", req.Tags)
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "searching"})
}

func (h *Handler) ShowResults(w http.ResponseWriter, r *http.Request) {
	s, ctx, ok := h.session(w, r)
	if !ok {
		return
	}
	shown, err := s.Coordinator.ShowResults(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"shown": shown})
}

func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	s, ctx, ok := h.session(w, r)
	if !ok {
		return
	}
	reset, err := s.Coordinator.Reset(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"reset": reset})
}

// Results serves the latest finalized result of a session, falling back to
// the stored copy once the session is gone.
func (h *Handler) Results(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := logger.WithSessionID(r.Context(), id)

	s, err := h.sessions.Get(id)
	switch {
	case err == nil:
		if rs, ok := s.Results.Result(); ok {
			h.writeJSON(w, http.StatusOK, rs)
			return
		}
		h.writeError(w, http.StatusNotFound, "no results yet")
		return
	case !errors.Is(err, apperrors.ErrSessionNotFound) || h.stored == nil:
		h.fail(w, r, err)
		return
	}

	rs, ok, err := h.stored.Load(ctx, id)
	if err != nil {
		logger.FromContext(ctx).Error("failed to load stored results", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load results")
		return
	}
	if !ok {
		h.fail(w, r, apperrors.ErrSessionNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, rs)
}

// IngestResponse accepts a peer response pushed over HTTP instead of Kafka.
func (h *Handler) IngestResponse(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := intake.Decode(body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.sessions.Deliver(r.Context(), resp); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) session(w http.ResponseWriter, r *http.Request) (*session.Session, context.Context, bool) {
	id := r.PathValue("id")
	s, err := h.sessions.Get(id)
	if err != nil {
		h.fail(w, r, err)
		return nil, nil, false
	}
	return s, logger.WithSessionID(r.Context(), id), true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	h.writeError(w, status, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
