// Package prefillserver implements C1: an HTTP service wrapping one LLM
// engine, exposing /health and /prefill. Grounded on the teacher's
// internal/httpapi route-mounting pattern (chi.Router + Dependencies
// struct), generalised to the prefill-only contract of spec §4.1/§6.1.
package prefillserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gradeforge/gradeforge/internal/engine"
	"github.com/gradeforge/gradeforge/internal/logging"
	"github.com/gradeforge/gradeforge/internal/metrics"
	"github.com/gradeforge/gradeforge/internal/model"
)

// Server wraps one loaded engine behind the prefill HTTP contract.
type Server struct {
	Engine      engine.Engine
	DisplayName string
	Metrics     *metrics.Registry
	ModelKind   model.ModelKind
	Logger      *slog.Logger

	// MaxInFlight bounds concurrent /prefill requests; a full queue is
	// rejected with 429 per spec §4.1 back-pressure contract.
	MaxInFlight int

	sem chan struct{}
}

// New builds a prefillserver.Server. maxInFlight <= 0 disables the bound.
func New(eng engine.Engine, modelKind model.ModelKind, displayName string, m *metrics.Registry, logger *slog.Logger, maxInFlight int) *Server {
	s := &Server{
		Engine:      eng,
		DisplayName: displayName,
		Metrics:     m,
		ModelKind:   modelKind,
		Logger:      logger,
		MaxInFlight: maxInFlight,
	}
	if maxInFlight > 0 {
		s.sem = make(chan struct{}, maxInFlight)
	}
	return s
}

// Router builds the chi router for this prefill server instance.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logging.RequestLogger(s.Logger))

	r.Get("/health", s.handleHealth)
	r.Post("/prefill", s.handlePrefill)
	if s.Metrics != nil {
		r.Get("/metrics", s.Metrics.Handler().ServeHTTP)
	}
	return r
}

type healthResponse struct {
	State       string `json:"state"`
	ModelLoaded bool   `json:"model_loaded"`
	DisplayName string `json:"display_name"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := "healthy"
	if !s.Engine.ModelLoaded() {
		state = "offline"
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(healthResponse{
		State:       state,
		ModelLoaded: s.Engine.ModelLoaded(),
		DisplayName: s.DisplayName,
	})
}

type prefillRequest struct {
	Prompt string `json:"prompt"`
}

type prefillResponse struct {
	Context        json.RawMessage `json:"context"`
	PromptTokens   int             `json:"prompt_tokens"`
	PrefillMs      float64         `json:"prefill_ms"`
	PrefillTokPerS float64         `json:"prefill_tok_per_s"`
}

func (s *Server) handlePrefill(w http.ResponseWriter, r *http.Request) {
	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		default:
			writeError(w, http.StatusTooManyRequests, "queue full")
			return
		}
	}

	var req prefillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt must not be empty")
		return
	}

	if !s.Engine.ModelLoaded() {
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}

	result, err := s.Engine.Prefill(r.Context(), req.Prompt)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrPromptTooLong):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, engine.ErrModelNotLoaded):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	tokPerS := 0.0
	if result.PrefillMs > 0 {
		tokPerS = float64(result.PromptTokens) / (result.PrefillMs / 1000.0)
	}

	if s.Metrics != nil {
		s.Metrics.PrefillTokensTotal.WithLabelValues(string(s.ModelKind), s.DisplayName).Add(float64(result.PromptTokens))
		s.Metrics.PrefillMs.WithLabelValues(string(s.ModelKind), s.DisplayName).Observe(result.PrefillMs)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(prefillResponse{
		Context:        json.RawMessage(result.Context),
		PromptTokens:   result.PromptTokens,
		PrefillMs:      result.PrefillMs,
		PrefillTokPerS: tokPerS,
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}
