// Package orchestrator implements C3: the routing layer between the
// grading pipeline and the disaggregated prefill/decode server fleet.
// It pairs one prefill and one decode server per model kind, dispatches
// the happy-path prefill-then-decode sequence, and falls back to decode's
// direct-generate endpoint when prefill is unavailable. Grounded on the
// teacher's internal/router dispatch pattern and providers.Manager
// lifecycle (health tracker + prober owned by the same struct that serves
// requests).
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gradeforge/gradeforge/internal/circuitbreaker"
	"github.com/gradeforge/gradeforge/internal/config"
	"github.com/gradeforge/gradeforge/internal/health"
	"github.com/gradeforge/gradeforge/internal/ierr"
	"github.com/gradeforge/gradeforge/internal/inference"
	"github.com/gradeforge/gradeforge/internal/metrics"
	"github.com/gradeforge/gradeforge/internal/model"
)

type serverPair struct {
	prefill model.ServerDescriptor
	decode  model.ServerDescriptor
	breaker *circuitbreaker.Breaker
}

// Orchestrator routes GenerationRequests to the right prefill/decode pair
// and applies the direct-fallback path when prefill is unavailable.
type Orchestrator struct {
	cfg     *config.Config
	pairs   map[model.ModelKind]*serverPair
	tracker *health.Tracker
	prober  *health.Prober
	client  *http.Client
	metrics *metrics.Registry
	logger  *slog.Logger
}

// New builds an Orchestrator from a validated config and starts the
// background health prober. Call Close to stop it.
func New(cfg *config.Config, m *metrics.Registry, logger *slog.Logger) (*Orchestrator, error) {
	table := cfg.RoutingTable()
	if len(table) == 0 {
		return nil, fmt.Errorf("orchestrator: no complete prefill/decode pairs in config")
	}

	o := &Orchestrator{
		cfg:     cfg,
		pairs:   make(map[model.ModelKind]*serverPair, len(table)),
		client:  &http.Client{},
		metrics: m,
		logger:  logger,
	}

	onUpdate := func(serverID string, state health.State) {
		if o.metrics == nil {
			return
		}
		o.metrics.ServerHealthState.WithLabelValues("", serverID).Set(healthStateValue(state))
	}
	o.tracker = health.NewTracker(health.TrackerConfig{ConsecFailuresForOffline: 3}, health.WithOnUpdate(onUpdate))

	targets := make([]health.Probeable, 0, len(table)*2)
	for kind, pair := range table {
		breaker := circuitbreaker.New(
			circuitbreaker.WithThreshold(3),
			circuitbreaker.WithCooldown(30*time.Second),
			circuitbreaker.WithOnStateChange(func(from, to circuitbreaker.State) {
				if o.metrics != nil {
					o.metrics.CircuitBreakerState.WithLabelValues(string(kind), pair.Prefill.ID()).Set(float64(to))
				}
			}),
		)
		o.pairs[kind] = &serverPair{prefill: pair.Prefill, decode: pair.Decode, breaker: breaker}
		targets = append(targets, pair.Prefill, pair.Decode)
	}

	proberCfg := health.DefaultProberConfig()
	if cfg.HealthProbeIntervalMs > 0 {
		proberCfg.Interval = time.Duration(cfg.HealthProbeIntervalMs) * time.Millisecond
	}
	if cfg.CallBudgetsMs.Health > 0 {
		proberCfg.ProbeTimeout = time.Duration(cfg.CallBudgetsMs.Health) * time.Millisecond
	}
	o.prober = health.NewProber(proberCfg, o.tracker, targets, logger)
	o.prober.Start()

	return o, nil
}

func healthStateValue(s health.State) float64 {
	switch s {
	case health.StateHealthy:
		return 0
	case health.StateDegraded:
		return 1
	case health.StateOffline:
		return 2
	default:
		return 0
	}
}

// Close stops the background health prober.
func (o *Orchestrator) Close() {
	o.prober.Stop()
}

// Health returns a point-in-time snapshot of every known server's health.
func (o *Orchestrator) Health() map[string]model.HealthStatus {
	out := make(map[string]model.HealthStatus)
	for _, stats := range o.tracker.AllStats() {
		lastChecked := stats.LastSuccessAt
		if stats.LastErrorTime.After(lastChecked) {
			lastChecked = stats.LastErrorTime
		}
		out[stats.ServerID] = model.HealthStatus{
			State:       model.HealthState(stats.State),
			LastChecked: lastChecked,
			ModelLoaded: stats.State != health.StateOffline,
		}
	}
	return out
}

type prefillWire struct {
	Prompt string `json:"prompt"`
}

type prefillReply struct {
	Context        json.RawMessage `json:"context"`
	PromptTokens   int             `json:"prompt_tokens"`
	PrefillMs      float64         `json:"prefill_ms"`
	PrefillTokPerS float64         `json:"prefill_tok_per_s"`
}

type decodeWire struct {
	Context     json.RawMessage `json:"context"`
	ModelKind   model.ModelKind `json:"model_kind"`
	Prompt      string          `json:"prompt"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
}

type decodeReply struct {
	Text             string  `json:"text"`
	CompletionTokens int     `json:"completion_tokens"`
	DecodeMs         float64 `json:"decode_ms"`
	DecodeTokPerS    float64 `json:"decode_tok_per_s"`
}

type generateWire struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

type generateReply struct {
	Text             string  `json:"text"`
	CompletionTokens int     `json:"completion_tokens"`
	DecodeMs         float64 `json:"decode_ms"`
}

// Generate dispatches a generation request through the disaggregated
// prefill/decode pair for req.ModelKind, falling back to decode's
// direct-generate endpoint when prefill is unavailable (spec §4.3).
func (o *Orchestrator) Generate(ctx context.Context, req model.GenerationRequest) (model.GenerationResponse, error) {
	pair, ok := o.pairs[req.ModelKind]
	if !ok {
		return model.GenerationResponse{}, ierr.ErrContextKindMismatch
	}

	prefillAvailable := o.tracker.IsAvailable(pair.prefill.ID()) && pair.breaker.Allow()
	decodeAvailable := o.tracker.IsAvailable(pair.decode.ID())

	if !prefillAvailable {
		if !decodeAvailable {
			return model.GenerationResponse{}, ierr.ErrAllServersDown
		}
		return o.directFallback(ctx, pair, req)
	}

	resp, err := o.disaggregated(ctx, pair, req)
	if err != nil {
		pair.breaker.RecordFailure()
		if decodeAvailable {
			o.logger.Warn("prefill dispatch failed, falling back to decode direct-generate",
				slog.String("model_kind", string(req.ModelKind)),
				slog.String("error", err.Error()),
			)
			return o.directFallback(ctx, pair, req)
		}
		return model.GenerationResponse{}, err
	}
	pair.breaker.RecordSuccess()
	return resp, nil
}

func (o *Orchestrator) disaggregated(ctx context.Context, pair *serverPair, req model.GenerationRequest) (model.GenerationResponse, error) {
	start := time.Now()

	prefillCtx, cancel := context.WithTimeout(ctx, o.budget(o.cfg.CallBudgetsMs.Prefill))
	defer cancel()

	body, err := inference.DoRequest(prefillCtx, o.client, pair.prefill.BaseURL()+"/prefill", prefillWire{Prompt: req.Prompt})
	if err != nil {
		o.tracker.RecordError(pair.prefill.ID(), err.Error())
		if se := asStatusError(err); se != nil {
			return model.GenerationResponse{}, ierr.NewPrefillFailed(se.StatusCode, se.Body)
		}
		if errors.Is(prefillCtx.Err(), context.DeadlineExceeded) {
			return model.GenerationResponse{}, ierr.NewTimeout(ierr.PhasePrefill)
		}
		return model.GenerationResponse{}, err
	}
	var pr prefillReply
	if err := unmarshalJSON(body, &pr); err != nil {
		o.tracker.RecordError(pair.prefill.ID(), err.Error())
		return model.GenerationResponse{}, err
	}
	o.tracker.RecordSuccess(pair.prefill.ID(), pr.PrefillMs)

	decodeCtx, cancel2 := context.WithTimeout(ctx, o.budget(o.cfg.CallBudgetsMs.Decode))
	defer cancel2()

	dwire := decodeWire{
		Context:     pr.Context,
		ModelKind:   req.ModelKind,
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	dbody, err := inference.DoRequest(decodeCtx, o.client, pair.decode.BaseURL()+"/decode", dwire)
	if err != nil {
		o.tracker.RecordError(pair.decode.ID(), err.Error())
		if se := asStatusError(err); se != nil {
			return model.GenerationResponse{}, ierr.NewDecodeFailed(se.StatusCode, se.Body)
		}
		if errors.Is(decodeCtx.Err(), context.DeadlineExceeded) {
			return model.GenerationResponse{}, ierr.NewTimeout(ierr.PhaseDecode)
		}
		return model.GenerationResponse{}, err
	}
	var dr decodeReply
	if err := unmarshalJSON(dbody, &dr); err != nil {
		o.tracker.RecordError(pair.decode.ID(), err.Error())
		return model.GenerationResponse{}, err
	}
	o.tracker.RecordSuccess(pair.decode.ID(), dr.DecodeMs)

	total := float64(time.Since(start).Microseconds()) / 1000.0
	if o.metrics != nil {
		o.metrics.RequestsTotal.WithLabelValues(string(req.ModelKind), pair.prefill.ID(), "ok").Inc()
	}

	return model.GenerationResponse{
		Text: dr.Text,
		Metrics: model.GenerationMetrics{
			PrefillMs:        pr.PrefillMs,
			DecodeMs:         dr.DecodeMs,
			TotalMs:          total,
			PromptTokens:     pr.PromptTokens,
			CompletionTokens: dr.CompletionTokens,
			PrefillTokPerS:   pr.PrefillTokPerS,
			DecodeTokPerS:    dr.DecodeTokPerS,
			PrefillServer:    pair.prefill.ID(),
			DecodeServer:     pair.decode.ID(),
			Method:           model.MethodDisaggregated,
		},
	}, nil
}

func (o *Orchestrator) directFallback(ctx context.Context, pair *serverPair, req model.GenerationRequest) (model.GenerationResponse, error) {
	start := time.Now()

	decodeCtx, cancel := context.WithTimeout(ctx, o.budget(o.cfg.CallBudgetsMs.Decode))
	defer cancel()

	gwire := generateWire{Prompt: req.Prompt, MaxTokens: req.MaxTokens, Temperature: req.Temperature}
	gbody, err := inference.DoRequest(decodeCtx, o.client, pair.decode.BaseURL()+"/generate", gwire)
	if err != nil {
		o.tracker.RecordError(pair.decode.ID(), err.Error())
		if se := asStatusError(err); se != nil {
			return model.GenerationResponse{}, ierr.NewDecodeFailed(se.StatusCode, se.Body)
		}
		if errors.Is(decodeCtx.Err(), context.DeadlineExceeded) {
			return model.GenerationResponse{}, ierr.NewTimeout(ierr.PhaseDecode)
		}
		return model.GenerationResponse{}, ierr.ErrAllServersDown
	}
	var gr generateReply
	if err := unmarshalJSON(gbody, &gr); err != nil {
		o.tracker.RecordError(pair.decode.ID(), err.Error())
		return model.GenerationResponse{}, err
	}
	o.tracker.RecordSuccess(pair.decode.ID(), gr.DecodeMs)

	total := float64(time.Since(start).Microseconds()) / 1000.0
	if o.metrics != nil {
		o.metrics.FallbackTotal.WithLabelValues(string(req.ModelKind), pair.decode.ID()).Inc()
		o.metrics.RequestsTotal.WithLabelValues(string(req.ModelKind), pair.decode.ID(), "fallback").Inc()
	}

	return model.GenerationResponse{
		Text: gr.Text,
		Metrics: model.GenerationMetrics{
			PrefillMs:        0,
			DecodeMs:         gr.DecodeMs,
			TotalMs:          total,
			CompletionTokens: gr.CompletionTokens,
			DecodeServer:     pair.decode.ID(),
			Method:           model.MethodDirectFallback,
		},
	}, nil
}

func (o *Orchestrator) budget(ms int) time.Duration {
	if ms <= 0 {
		return 60 * time.Second
	}
	return time.Duration(ms) * time.Millisecond
}

func unmarshalJSON(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unmarshal server response: %w", err)
	}
	return nil
}

func asStatusError(err error) *inference.StatusError {
	var se *inference.StatusError
	if errors.As(err, &se) {
		return se
	}
	return nil
}
