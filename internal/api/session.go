package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/realitycheck-coach/internal/session"
	"github.com/go-chi/chi/v5"
)

// StartRequest opens a session.
type StartRequest struct {
	Goal     string `json:"goal"`
	Language string `json:"language"`
}

// FrameRequest carries one camera frame.
type FrameRequest struct {
	ImageBase64 string `json:"image_base64"`
}

// AnswerRequest answers a pending question.
type AnswerRequest struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// VerifyRequest submits evidence for a step.
type VerifyRequest struct {
	StepID              string `json:"step_id"`
	EvidenceImageBase64 string `json:"evidence_image_base64"`
}

// RegisterRoutes registers session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.Root)
	r.Route("/session", func(r chi.Router) {
		r.Post("/start", h.Start)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/frame", h.PushFrame)
			r.Get("/status", h.Status)
			r.Post("/answer", h.Answer)
			r.Get("/report", h.Report)
			r.Post("/resume", h.Resume)
			r.Post("/verify", h.Verify)
			r.Get("/events", h.Events)
			r.Get("/live", h.Live)
			r.Delete("/", h.Delete)
		})
	})
}

// Root identifies the service.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"message": "RealityCheck Coach API",
		"version": "1.0.0",
		"policy": map[string]int{
			"max_attempts":   h.machine.Policy().MaxAttempts,
			"context_window": h.machine.Policy().ContextWindow,
		},
	})
}

// Start creates a session.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		Error(w, http.StatusUnprocessableEntity, "goal is required")
		return
	}

	res, err := h.machine.Start(r.Context(), req.Goal, req.Language)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// PushFrame processes a camera frame.
func (h *Handler) PushFrame(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req FrameRequest
	if !h.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ImageBase64) == "" {
		Error(w, http.StatusBadRequest, errImageRequired)
		return
	}
	if !h.allowFrame(w, id) {
		return
	}

	res, err := h.machine.PushFrame(r.Context(), id, req.ImageBase64)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

const errImageRequired = "image_base64 is required"

func (h *Handler) allowFrame(w http.ResponseWriter, id string) bool {
	if h.limiter.Allow(id, h.machine.Exists) {
		return true
	}
	if h.throttle != nil {
		h.throttle.IncThrottle()
	}
	Error(w, http.StatusTooManyRequests, "frame rate limit exceeded")
	return false
}

// Status returns session progress.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	res, err := h.machine.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// Answer records an answer to a coach question.
func (h *Handler) Answer(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.machine.Answer(r.Context(), chi.URLParam(r, "id"), req.QuestionID, req.Answer)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// Report returns the session checklist and corrections log.
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	artifacts, err := h.machine.Report(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

// Resume confirms a session is still live.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	res, err := h.machine.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// Verify judges evidence for a step.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.machine.Verify(r.Context(), chi.URLParam(r, "id"), req.StepID, req.EvidenceImageBase64)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	JSON(w, http.StatusOK, res)
}

// Delete removes a session.
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.machine.Delete(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	h.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

// Events lists journal entries for a session. Entries outlive the in-memory
// session, so an evicted session still has its history. A session with no
// entries is reported as not found.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		Error(w, http.StatusNotFound, "event journal disabled")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	id := chi.URLParam(r, "id")
	events, err := h.events.ListEvents(r.Context(), id, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if len(events) == 0 {
		h.fail(w, r, session.ErrNotFound)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"session_id": id, "events": events})
}
