// Package gradeapi mounts the grading orchestrator's HTTP surface: POST
// /grade, GET /healthz, GET /metrics. Grounded on the teacher's
// internal/httpapi Dependencies-struct + MountRoutes pattern, trimmed to
// this domain's three endpoints.
package gradeapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gradeforge/gradeforge/internal/metrics"
	"github.com/gradeforge/gradeforge/internal/model"
	"github.com/gradeforge/gradeforge/internal/pipeline"
)

// maxRequestBodySize bounds /grade request bodies (submissions can carry
// large notebook output text).
const maxRequestBodySize = 10 << 20

// Dependencies bundles everything the HTTP handlers need.
type Dependencies struct {
	Pipeline *pipeline.Pipeline
	Metrics  *metrics.Registry
}

func bodySizeLimit(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost {
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MountRoutes wires the grading API onto an existing chi router.
func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Route("/", func(r chi.Router) {
		r.Use(bodySizeLimit(maxRequestBodySize))
		r.Post("/grade", GradeHandler(d))
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}

type gradeRequest struct {
	Rubric        model.Rubric          `json:"rubric"`
	Submission    model.ParsedSubmission `json:"submission"`
	SolutionCells []model.CodeCell       `json:"solution_cells"`
	MaxTokens     int                    `json:"max_tokens"`
	Temperature   float64                `json:"temperature"`
}

// GradeHandler runs the grading pipeline over one submission+rubric pair
// and returns the resulting model.GradingResult.
func GradeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req gradeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		if req.MaxTokens <= 0 {
			req.MaxTokens = 512
		}

		result, err := d.Pipeline.Run(r.Context(), pipeline.Input{
			Rubric:        req.Rubric,
			Submission:    req.Submission,
			SolutionCells: req.SolutionCells,
			MaxTokens:     req.MaxTokens,
			Temperature:   req.Temperature,
		})
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Error: msg})
}
