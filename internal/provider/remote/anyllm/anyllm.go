// Package anyllm implements provider.Provider on top of
// github.com/mozilla-ai/any-llm-go, a unified interface across OpenAI,
// Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, llama.cpp, and
// llamafile backends. One Provider value wraps exactly one backend and one
// model; a gateway deployment wires up one instance per (vendor, model)
// combination it wants to offer.
package anyllm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/inference-gateway/gateway/internal/execctx"
	"github.com/inference-gateway/gateway/internal/provider"
	"github.com/inference-gateway/gateway/internal/provideradapter"
)

// Provider implements provider.Provider by wrapping an any-llm-go backend.
type Provider struct {
	id      string
	backend anyllmlib.Provider
	model   string

	mu    sync.RWMutex
	state provider.State

	shutdown atomic.Bool
}

// New creates a Provider backed by the named vendor.
//
// vendor is one of: "openai", "anthropic", "gemini", "ollama", "deepseek",
// "mistral", "groq", "llamacpp", "llamafile".
//
// opts are any-llm-go configuration options (e.g. anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). Without an API key option, the backend falls back
// to its vendor's standard environment variable.
func New(id, vendor, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if vendor == "" {
		return nil, fmt.Errorf("anyllm: vendor must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(vendor, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", vendor, err)
	}

	if id == "" {
		id = vendor + ":" + model
	}
	return &Provider{id: id, backend: backend, model: model, state: provider.StateUninitialized}, nil
}

// NewOpenAI creates a Provider backed by OpenAI directly (as opposed to
// openaicompat, which talks to the openai-go SDK against a configurable
// base URL; this constructor goes through any-llm-go's own OpenAI backend).
func NewOpenAI(id, model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New(id, "openai", model, opts...)
}

// NewAnthropic creates a Provider backed by Anthropic's Claude family.
func NewAnthropic(id, model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New(id, "anthropic", model, opts...)
}

// NewGemini creates a Provider backed by Google Gemini.
func NewGemini(id, model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New(id, "gemini", model, opts...)
}

// NewOllama creates a Provider backed by a local Ollama server.
func NewOllama(id, model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New(id, "ollama", model, opts...)
}

// NewDeepSeek creates a Provider backed by DeepSeek.
func NewDeepSeek(id, model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New(id, "deepseek", model, opts...)
}

// NewMistral creates a Provider backed by Mistral AI.
func NewMistral(id, model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New(id, "mistral", model, opts...)
}

// NewGroq creates a Provider backed by Groq.
func NewGroq(id, model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New(id, "groq", model, opts...)
}

// NewLlamaCpp creates a Provider backed by a running llama.cpp server.
func NewLlamaCpp(id, model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New(id, "llamacpp", model, opts...)
}

// NewLlamaFile creates a Provider backed by a running llamafile server.
func NewLlamaFile(id, model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New(id, "llamafile", model, opts...)
}

// createBackend builds the underlying any-llm-go provider for vendor.
func createBackend(vendor string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(vendor) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported vendor %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", vendor)
	}
}

func (p *Provider) ID() string { return p.id }

func (p *Provider) Capabilities() provider.Capabilities {
	return modelCapabilities(p.model)
}

func (p *Provider) Supports(modelID, tenantID string) bool {
	return modelID == p.model
}

func (p *Provider) Initialize(ctx context.Context, _ provider.Config) error {
	p.setState(provider.StateInitialized)
	return nil
}

func (p *Provider) Shutdown(ctx context.Context) error {
	p.shutdown.Store(true)
	p.setState(provider.StateShutdown)
	return nil
}

func (p *Provider) Health(ctx context.Context) provider.Health {
	return provider.Health{State: p.getState()}
}

// Infer implements provider.Provider via a non-streaming backend completion.
func (p *Provider) Infer(ctx context.Context, req *execctx.Request) (*execctx.Response, error) {
	params := p.buildParams(req)

	started := time.Now()
	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, provideradapter.ClassifyMessage(req.RequestID, p.id, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	choice := resp.Choices[0]
	out := &execctx.Response{
		RequestID:  req.RequestID,
		Model:      p.model,
		Content:    choice.Message.ContentString(),
		DurationMs: time.Since(started).Milliseconds(),
	}
	if resp.Usage != nil {
		out.TokensUsed = resp.Usage.TotalTokens
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, execctx.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

// Stream implements provider.Provider by adapting the backend's chunk and
// error channel pair into a single execctx.StreamChunk channel, accumulating
// tool-call fragments by index exactly as Infer assembles them whole.
func (p *Provider) Stream(ctx context.Context, req *execctx.Request) (<-chan execctx.StreamChunk, error) {
	params := p.buildParams(req)
	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

	ch := make(chan execctx.StreamChunk, 32)
	go func() {
		defer close(ch)

		toolCallAccum := map[int]*execctx.ToolCall{}
		seq := 0

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			out := execctx.StreamChunk{
				RequestID:      req.RequestID,
				SequenceNumber: seq,
				Delta:          delta.Content,
			}
			seq++

			for i, tc := range delta.ToolCalls {
				if _, ok := toolCallAccum[i]; !ok {
					toolCallAccum[i] = &execctx.ToolCall{ID: tc.ID, Name: tc.Function.Name}
				}
				existing := toolCallAccum[i]
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			if choice.FinishReason != "" {
				out.IsFinal = true
				out.ToolCalls = flattenToolCalls(toolCallAccum)
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		// A backend error closes ch without a final chunk, so the consumer
		// sees a failed stream rather than a completed one.
		<-backendErrs
	}()

	return ch, nil
}

// flattenToolCalls orders accumulated tool-call fragments by their original
// index so the resulting slice matches the order the model emitted them in.
func flattenToolCalls(accum map[int]*execctx.ToolCall) []execctx.ToolCall {
	if len(accum) == 0 {
		return nil
	}
	indices := make([]int, 0, len(accum))
	for i := range accum {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	out := make([]execctx.ToolCall, 0, len(indices))
	for _, i := range indices {
		out = append(out, *accum[i])
	}
	return out
}

func (p *Provider) buildParams(req *execctx.Request) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message
	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}

	sampling := samplingFromRaw(req.RawParameters)
	if sampling.Temperature != 0 {
		t := sampling.Temperature
		params.Temperature = &t
	}
	if sampling.MaxTokens > 0 {
		mt := sampling.MaxTokens
		params.MaxTokens = &mt
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}

	return params
}

func samplingFromRaw(raw map[string]any) execctx.SamplingConfig {
	cfg := execctx.DefaultSamplingConfig()
	if raw == nil {
		return cfg
	}
	if v, ok := raw["temperature"].(float64); ok {
		cfg.Temperature = v
	}
	if v, ok := raw["max_tokens"].(float64); ok {
		cfg.MaxTokens = int(v)
	}
	return cfg
}

func convertMessage(m execctx.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       string(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return msg
}

// modelCapabilities covers the OpenAI, Anthropic, and Gemini model families
// any-llm-go is most commonly pointed at; unknown models (self-hosted
// llama.cpp/llamafile/Ollama models in particular) receive sensible
// defaults rather than failing closed.
func modelCapabilities(model string) provider.Capabilities {
	caps := provider.Capabilities{
		Streaming:        true,
		ToolCalling:      true,
		MaxContextTokens: 128_000,
		SupportedFormats: []string{"chat"},
	}

	lower := strings.ToLower(model)

	switch {
	case strings.HasPrefix(lower, "gpt-4o-mini"), strings.HasPrefix(lower, "gpt-4o"):
		caps.MaxContextTokens = 128_000
		caps.Multimodal = true

	case strings.HasPrefix(lower, "gpt-4-turbo"):
		caps.MaxContextTokens = 128_000
		caps.Multimodal = true

	case strings.HasPrefix(lower, "gpt-4"):
		caps.MaxContextTokens = 8_192

	case strings.HasPrefix(lower, "gpt-3.5-turbo"):
		caps.MaxContextTokens = 16_385

	case strings.HasPrefix(lower, "o1-mini"):
		caps.MaxContextTokens = 128_000
		caps.ToolCalling = false

	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		caps.MaxContextTokens = 200_000
		caps.Multimodal = !strings.HasPrefix(lower, "o3-mini")

	case strings.Contains(lower, "claude-3-5-sonnet"), strings.Contains(lower, "claude-3-sonnet"),
		strings.Contains(lower, "claude-3-5-haiku"), strings.Contains(lower, "claude-3-haiku"):
		caps.MaxContextTokens = 200_000
		caps.Multimodal = true

	case strings.Contains(lower, "claude-3-opus"), strings.HasPrefix(lower, "claude"):
		caps.MaxContextTokens = 200_000
		caps.Multimodal = true

	case strings.Contains(lower, "gemini-2.0-flash"):
		caps.MaxContextTokens = 1_048_576
		caps.Multimodal = true

	case strings.Contains(lower, "gemini-1.5-pro"):
		caps.MaxContextTokens = 2_097_152
		caps.Multimodal = true

	case strings.Contains(lower, "gemini-1.5-flash"), strings.HasPrefix(lower, "gemini"):
		caps.MaxContextTokens = 1_048_576
		caps.Multimodal = true
	}

	return caps
}

func (p *Provider) setState(s provider.State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Provider) getState() provider.State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

var _ provider.Provider = (*Provider)(nil)
