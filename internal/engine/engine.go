// Package engine defines the opaque text-in/text-out LLM engine abstraction
// that PrefillServer and DecodeServer wrap, plus a deterministic reference
// implementation used for tests and for running the system without a GPU.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrModelNotLoaded is returned by Prefill/Decode when the engine has not
// finished loading weights.
var ErrModelNotLoaded = errors.New("model not loaded")

// ErrPromptTooLong is returned by Prefill when the prompt exceeds the
// engine's context window.
var ErrPromptTooLong = errors.New("prompt exceeds engine max length")

// Context is the opaque KV hand-off blob a prefill call produces and a
// matched decode call consumes. The orchestrator never inspects it; only an
// Engine implementation assigns it meaning.
type Context json.RawMessage

// PrefillResult is what an Engine's Prefill method returns.
type PrefillResult struct {
	Context      Context
	PromptTokens int
	PrefillMs    float64
}

// DecodeResult is what an Engine's Decode method returns.
type DecodeResult struct {
	Text             string
	CompletionTokens int
	DecodeMs         float64
}

// Engine is the interface PrefillServer/DecodeServer wrap. A real
// implementation talks to vLLM/llama.cpp/etc.; ReferenceEngine below is a
// deterministic stand-in for tests and GPU-less operation.
type Engine interface {
	// ModelLoaded reports whether the engine is ready to serve.
	ModelLoaded() bool
	// MaxPromptTokens is the engine's context-window limit for prefill.
	MaxPromptTokens() int
	// Prefill processes a prompt into a reusable KV context. MUST NOT
	// generate any output tokens and MUST be idempotent.
	Prefill(ctx context.Context, prompt string) (PrefillResult, error)
	// Decode consumes a context produced by Prefill and generates up to
	// maxTokens. Generation stops at EOS, maxTokens, or ctx cancellation.
	Decode(ctx context.Context, kv Context, prompt string, maxTokens int, temperature float64) (DecodeResult, error)
	// Generate is the decode-only fallback path: process prompt and
	// generate in one call, with no separate KV hand-off.
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (DecodeResult, error)
}

// referenceContext is the JSON shape ReferenceEngine's Context carries. It
// is deliberately simple: the orchestrator must never rely on its shape.
type referenceContext struct {
	Prompt string `json:"prompt"`
	Digest uint64 `json:"digest"`
}

// ReferenceEngine is a deterministic, hash-based fake tokenizer running at a
// fixed simulated tokens/sec. It implements Engine without any GPU or real
// model weights, so PrefillServer/DecodeServer are exercised end-to-end in
// tests and in GPU-less deployments.
type ReferenceEngine struct {
	maxPromptTokens int
	tokensPerSecond float64
	loaded          bool
}

// NewReferenceEngine builds a ready-to-serve ReferenceEngine.
func NewReferenceEngine(maxPromptTokens int, tokensPerSecond float64) *ReferenceEngine {
	if maxPromptTokens <= 0 {
		maxPromptTokens = 8192
	}
	if tokensPerSecond <= 0 {
		tokensPerSecond = 250
	}
	return &ReferenceEngine{maxPromptTokens: maxPromptTokens, tokensPerSecond: tokensPerSecond, loaded: true}
}

func (e *ReferenceEngine) ModelLoaded() bool   { return e.loaded }
func (e *ReferenceEngine) MaxPromptTokens() int { return e.maxPromptTokens }

// SetLoaded is a test hook to simulate the engine going offline.
func (e *ReferenceEngine) SetLoaded(loaded bool) { e.loaded = loaded }

func countTokens(s string) int {
	if strings.TrimSpace(s) == "" {
		return 0
	}
	return len(strings.Fields(s))
}

func digest(s string) uint64 {
	sum := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint64(sum[:8])
}

func (e *ReferenceEngine) Prefill(ctx context.Context, prompt string) (PrefillResult, error) {
	if !e.loaded {
		return PrefillResult{}, ErrModelNotLoaded
	}
	n := countTokens(prompt)
	if n > e.maxPromptTokens {
		return PrefillResult{}, ErrPromptTooLong
	}
	start := time.Now()
	rc := referenceContext{Prompt: prompt, Digest: digest(prompt)}
	raw, err := json.Marshal(rc)
	if err != nil {
		return PrefillResult{}, err
	}
	elapsed := time.Since(start)
	return PrefillResult{
		Context:      Context(raw),
		PromptTokens: n,
		PrefillMs:    float64(elapsed.Microseconds()) / 1000.0,
	}, nil
}

func (e *ReferenceEngine) Decode(ctx context.Context, kv Context, prompt string, maxTokens int, temperature float64) (DecodeResult, error) {
	if !e.loaded {
		return DecodeResult{}, ErrModelNotLoaded
	}
	var rc referenceContext
	if err := json.Unmarshal(kv, &rc); err == nil && rc.Prompt != "" {
		prompt = rc.Prompt
	}
	return e.generateFrom(ctx, prompt, maxTokens, temperature)
}

func (e *ReferenceEngine) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (DecodeResult, error) {
	if !e.loaded {
		return DecodeResult{}, ErrModelNotLoaded
	}
	return e.generateFrom(ctx, prompt, maxTokens, temperature)
}

// generateFrom deterministically "generates" maxTokens words derived from
// the prompt digest, so identical prompts always produce identical text —
// the property TestDecodeDeterministicForSamePrompt relies on.
func (e *ReferenceEngine) generateFrom(ctx context.Context, prompt string, maxTokens int, temperature float64) (DecodeResult, error) {
	if maxTokens < 1 {
		maxTokens = 1
	}
	start := time.Now()
	d := digest(prompt)
	var b strings.Builder
	b.WriteString("analysis:")
	for i := 0; i < maxTokens; i++ {
		select {
		case <-ctx.Done():
			return DecodeResult{}, ctx.Err()
		default:
		}
		d = d*6364136223846793005 + 1442695040888963407
		b.WriteByte(' ')
		b.WriteString(wordFromDigest(d))
	}
	simulated := time.Duration(float64(maxTokens) / e.tokensPerSecond * float64(time.Second))
	elapsed := time.Since(start) + simulated
	return DecodeResult{
		Text:             b.String(),
		CompletionTokens: maxTokens,
		DecodeMs:         float64(elapsed.Microseconds()) / 1000.0,
	}, nil
}

var lexicon = []string{
	"token", "variable", "function", "column", "dataframe", "loop", "error",
	"pass", "result", "value", "score", "test", "case", "output", "model",
}

func wordFromDigest(d uint64) string {
	return lexicon[d%uint64(len(lexicon))]
}
