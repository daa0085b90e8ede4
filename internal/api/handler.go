// Package api provides HTTP handlers for the coach API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/realitycheck-coach/internal/domain"
	"github.com/ashureev/realitycheck-coach/internal/session"
)

// EventLister reads the session event journal.
type EventLister interface {
	ListEvents(ctx context.Context, sessionID string, limit int) ([]domain.Event, error)
}

// ThrottleRecorder counts frames rejected by the per-session limiter.
type ThrottleRecorder interface {
	IncThrottle()
}

// Handler serves the session endpoints.
type Handler struct {
	machine     *session.Machine
	events      EventLister
	limiter     *FrameLimiter
	live        *LiveRegistry
	throttle    ThrottleRecorder
	maxBodySize int64
	origins     []string
}

// Deps collects the Handler collaborators. Machine is required.
type Deps struct {
	Machine        *session.Machine
	Events         EventLister
	Limiter        *FrameLimiter
	Live           *LiveRegistry
	Throttle       ThrottleRecorder
	MaxBodySize    int64
	AllowedOrigins []string
}

// DefaultMaxBodySize bounds request bodies when Deps.MaxBodySize is unset.
const DefaultMaxBodySize = 10 << 20

// NewHandler creates a new Handler.
func NewHandler(d Deps) *Handler {
	h := &Handler{
		machine:     d.Machine,
		events:      d.Events,
		limiter:     d.Limiter,
		live:        d.Live,
		throttle:    d.Throttle,
		maxBodySize: d.MaxBodySize,
		origins:     d.AllowedOrigins,
	}
	if h.maxBodySize <= 0 {
		h.maxBodySize = DefaultMaxBodySize
	}
	if h.live == nil {
		h.live = NewLiveRegistry()
	}
	if len(h.origins) == 0 {
		h.origins = []string{"*"}
	}
	return h
}

// Forget releases per-session resources held by the API layer. It is used as
// the cleanup callback for evicted sessions.
func (h *Handler) Forget(sessionID string) {
	if h.limiter != nil {
		h.limiter.Forget(sessionID)
	}
	h.live.CloseSession(sessionID)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps an operation error to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "path", r.URL.Path, "error", err)
		Error(w, status, "internal error")
		return
	}
	Error(w, status, err.Error())
}

// decode reads a JSON body. An empty body decodes to the zero value.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		Error(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		return false
	}
	Error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
	return false
}
