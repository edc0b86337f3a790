package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/gradeforge/gradeforge/internal/config"
	"github.com/gradeforge/gradeforge/internal/metrics"
	"github.com/gradeforge/gradeforge/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatal(err)
	}
	return host, port
}

func newTestServer(t *testing.T, handler http.HandlerFunc) (model.ServerDescriptor, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	u := srv.URL[len("http://"):]
	host, port := splitHostPort(t, u)
	return model.ServerDescriptor{Host: host, Port: port, DisplayName: srv.URL}, srv.Close
}

func buildConfig(prefill, decode model.ServerDescriptor, kind model.ModelKind) *config.Config {
	cfg := config.DefaultConfig()
	cfg.PrefillServers = []config.ServerEntry{{Host: prefill.Host, Port: prefill.Port, ModelKind: kind, Name: prefill.DisplayName}}
	cfg.DecodeServers = []config.ServerEntry{{Host: decode.Host, Port: decode.Port, ModelKind: kind, Name: decode.DisplayName}}
	cfg.HealthProbeIntervalMs = 3600000 // only the prober's initial probe at startup runs during the test
	return cfg
}

func TestGenerateHappyPath(t *testing.T) {
	prefill, closePrefill := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			_ = json.NewEncoder(w).Encode(map[string]any{"state": "healthy", "model_loaded": true})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"context": json.RawMessage(`{"prompt":"hi"}`), "prompt_tokens": 2, "prefill_ms": 5.0, "prefill_tok_per_s": 400.0,
		})
	})
	defer closePrefill()
	decode, closeDecode := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			_ = json.NewEncoder(w).Encode(map[string]any{"state": "healthy", "model_loaded": true})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"text": "graded output", "completion_tokens": 4, "decode_ms": 10.0, "decode_tok_per_s": 400.0,
		})
	})
	defer closeDecode()

	cfg := buildConfig(prefill, decode, model.ModelKindCodeAnalysis)
	o, err := New(cfg, metrics.New(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()

	resp, err := o.Generate(context.Background(), model.GenerationRequest{
		Prompt: "hi", MaxTokens: 8, ModelKind: model.ModelKindCodeAnalysis,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "graded output" {
		t.Errorf("unexpected text: %q", resp.Text)
	}
	if resp.Metrics.Method != model.MethodDisaggregated {
		t.Errorf("expected disaggregated method, got %s", resp.Metrics.Method)
	}
}

func TestGenerateUnknownModelKind(t *testing.T) {
	prefill, closePrefill := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"state": "healthy", "model_loaded": true})
	})
	defer closePrefill()
	decode, closeDecode := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"state": "healthy", "model_loaded": true})
	})
	defer closeDecode()

	cfg := buildConfig(prefill, decode, model.ModelKindCodeAnalysis)
	o, err := New(cfg, metrics.New(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()

	_, err = o.Generate(context.Background(), model.GenerationRequest{Prompt: "hi", ModelKind: model.ModelKindFeedback})
	if err == nil {
		t.Fatal("expected error for unrouted model kind")
	}
}

func TestGenerateFallsBackWhenPrefillDown(t *testing.T) {
	prefillCalls := 0
	prefill, closePrefill := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			prefillCalls++
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "down")
	})
	defer closePrefill()
	decode, closeDecode := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			_ = json.NewEncoder(w).Encode(map[string]any{"state": "healthy", "model_loaded": true})
			return
		}
		if r.URL.Path == "/generate" {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"text": "direct fallback output", "completion_tokens": 3, "decode_ms": 9.0,
			})
			return
		}
		t.Errorf("unexpected decode path hit: %s", r.URL.Path)
	})
	defer closeDecode()

	cfg := buildConfig(prefill, decode, model.ModelKindFeedback)
	o, err := New(cfg, metrics.New(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()

	// Trip the breaker the way repeated prefill failures would.
	pair := o.pairs[model.ModelKindFeedback]
	pair.breaker.RecordFailure()
	pair.breaker.RecordFailure()
	pair.breaker.RecordFailure()

	resp, err := o.Generate(context.Background(), model.GenerationRequest{
		Prompt: "hi", MaxTokens: 8, ModelKind: model.ModelKindFeedback,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Metrics.Method != model.MethodDirectFallback {
		t.Errorf("expected direct fallback method, got %s", resp.Metrics.Method)
	}
	if resp.Text != "direct fallback output" {
		t.Errorf("unexpected text: %q", resp.Text)
	}
	if prefillCalls != 0 {
		t.Errorf("expected prefill never called once breaker tripped, got %d calls", prefillCalls)
	}
}

func TestGenerateAllServersDown(t *testing.T) {
	prefill, closePrefill := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer closePrefill()
	decode, closeDecode := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer closeDecode()

	cfg := buildConfig(prefill, decode, model.ModelKindCodeAnalysis)
	o, err := New(cfg, metrics.New(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer o.Close()

	pair := o.pairs[model.ModelKindCodeAnalysis]
	pair.breaker.RecordFailure()
	pair.breaker.RecordFailure()
	pair.breaker.RecordFailure()
	for i := 0; i < 3; i++ {
		o.tracker.RecordError(pair.decode.ID(), "down")
	}

	_, err = o.Generate(context.Background(), model.GenerationRequest{Prompt: "hi", MaxTokens: 4, ModelKind: model.ModelKindCodeAnalysis})
	if err == nil {
		t.Fatal("expected error when both servers are down")
	}
}

func TestBudgetDefaultsWhenZero(t *testing.T) {
	o := &Orchestrator{}
	if got := o.budget(0); got != 60*time.Second {
		t.Errorf("expected 60s default, got %s", got)
	}
	if got := o.budget(500); got != 500*time.Millisecond {
		t.Errorf("expected 500ms, got %s", got)
	}
}
