// Package decodeserver implements C2: an HTTP service wrapping one LLM
// engine, exposing /health, /decode, and the direct-fallback /generate.
// Grounded on the teacher's internal/httpapi route-mounting pattern,
// generalised to spec §4.2/§6.2.
package decodeserver

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

// Server wraps one loaded engine behind the decode HTTP contract.
type Server struct {
	Engine      engine.Engine
	DisplayName string
	Metrics     *metrics.Registry
	ModelKind   model.ModelKind
	Logger      *slog.Logger
}

// New builds a decodeserver.Server.
func New(eng engine.Engine, modelKind model.ModelKind, displayName string, m *metrics.Registry, logger *slog.Logger) *Server {
	return &Server{Engine: eng, DisplayName: displayName, Metrics: m, ModelKind: modelKind, Logger: logger}
}

// Router builds the chi router for this decode server instance.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logging.RequestLogger(s.Logger))

	r.Get("/health", s.handleHealth)
	r.Post("/decode", s.handleDecode)
	r.Post("/generate", s.handleGenerate)
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

func validTemperature(t float64) bool { return t >= 0 && t <= 2 }

type decodeRequest struct {
	Context     json.RawMessage `json:"context"`
	ModelKind   model.ModelKind `json:"model_kind"`
	Prompt      string          `json:"prompt"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
}

type decodeResponse struct {
	Text             string  `json:"text"`
	CompletionTokens int     `json:"completion_tokens"`
	DecodeMs         float64 `json:"decode_ms"`
	DecodeTokPerS    float64 `json:"decode_tok_per_s"`
}

func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	var req decodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !validTemperature(req.Temperature) {
		writeError(w, http.StatusBadRequest, "temperature must be in [0,2]")
		return
	}
	if req.MaxTokens < 1 {
		writeError(w, http.StatusBadRequest, "max_tokens must be >= 1")
		return
	}
	if req.ModelKind != "" && req.ModelKind != s.ModelKind {
		writeError(w, http.StatusConflict, "context was produced for a different model kind")
		return
	}
	if !s.Engine.ModelLoaded() {
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}

	result, err := s.Engine.Decode(r.Context(), engine.Context(req.Context), req.Prompt, req.MaxTokens, req.Temperature)
	if err != nil {
		if errors.Is(err, engine.ErrModelNotLoaded) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	tokPerS := 0.0
	if result.DecodeMs > 0 {
		tokPerS = float64(result.CompletionTokens) / (result.DecodeMs / 1000.0)
	}
	if s.Metrics != nil {
		s.Metrics.DecodeTokensTotal.WithLabelValues(string(s.ModelKind), s.DisplayName).Add(float64(result.CompletionTokens))
		s.Metrics.DecodeMs.WithLabelValues(string(s.ModelKind), s.DisplayName).Observe(result.DecodeMs)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(decodeResponse{
		Text:             result.Text,
		CompletionTokens: result.CompletionTokens,
		DecodeMs:         result.DecodeMs,
		DecodeTokPerS:    tokPerS,
	})
}

type generateRequest struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

type generateResponse struct {
	Text             string  `json:"text"`
	CompletionTokens int     `json:"completion_tokens"`
	DecodeMs         float64 `json:"decode_ms"`
}

// handleGenerate is the decode-only fallback path used when a prefill
// server is unavailable (spec §4.3 Fallback, §6.2).
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if !validTemperature(req.Temperature) {
		writeError(w, http.StatusBadRequest, "temperature must be in [0,2]")
		return
	}
	if req.MaxTokens < 1 {
		writeError(w, http.StatusBadRequest, "max_tokens must be >= 1")
		return
	}
	if !s.Engine.ModelLoaded() {
		writeError(w, http.StatusServiceUnavailable, "engine unavailable")
		return
	}

	result, err := s.Engine.Generate(r.Context(), req.Prompt, req.MaxTokens, req.Temperature)
	if err != nil {
		if errors.Is(err, engine.ErrModelNotLoaded) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.Metrics != nil {
		s.Metrics.DecodeTokensTotal.WithLabelValues(string(s.ModelKind), s.DisplayName).Add(float64(result.CompletionTokens))
		s.Metrics.DecodeMs.WithLabelValues(string(s.ModelKind), s.DisplayName).Observe(result.DecodeMs)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(generateResponse{
		Text:             result.Text,
		CompletionTokens: result.CompletionTokens,
		DecodeMs:         result.DecodeMs,
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
