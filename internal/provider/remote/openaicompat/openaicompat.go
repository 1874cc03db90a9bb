// Package openaicompat implements provider.Provider against any
// OpenAI-Chat-Completions-compatible HTTP vendor using the
// github.com/openai/openai-go SDK, including self-hosted gateways that speak
// the same wire format under a custom base URL.
package openaicompat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/inference-gateway/gateway/internal/execctx"
	"github.com/inference-gateway/gateway/internal/provider"
	"github.com/inference-gateway/gateway/internal/provideradapter"
)

// Config configures a Provider.
type Config struct {
	ID      string
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Provider implements provider.Provider against an OpenAI-compatible
// chat-completions endpoint.
type Provider struct {
	id     string
	model  string
	client oai.Client

	mu    sync.RWMutex
	state provider.State

	shutdown atomic.Bool
}

// New constructs an openaicompat Provider. Initialize must still be called
// before use, per the provider.Provider contract.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openaicompat: api key must not be empty")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openaicompat: model must not be empty")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}))
	}

	id := cfg.ID
	if id == "" {
		id = "openaicompat:" + cfg.Model
	}

	return &Provider{
		id:     id,
		model:  cfg.Model,
		client: oai.NewClient(reqOpts...),
		state:  provider.StateUninitialized,
	}, nil
}

func (p *Provider) ID() string { return p.id }

func (p *Provider) Capabilities() provider.Capabilities {
	return modelCapabilities(p.model)
}

// Supports matches exactly on the configured model id, case-sensitively;
// vendor-specific aliasing is handled by the router's candidate list, not
// here.
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

// Infer implements provider.Provider by issuing a non-streaming chat
// completion and adapting the result back into an *execctx.Response.
func (p *Provider) Infer(ctx context.Context, req *execctx.Request) (*execctx.Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		ge := execctx.NewError(execctx.KindInvalidArgument, req.RequestID, err.Error())
		ge.ProviderID = p.id
		return nil, ge
	}

	started := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, p.classifyErr(req.RequestID, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openaicompat: empty choices in response")
	}

	choice := resp.Choices[0]
	out := &execctx.Response{
		RequestID:  req.RequestID,
		Model:      p.model,
		Content:    choice.Message.Content,
		TokensUsed: int(resp.Usage.TotalTokens),
		DurationMs: time.Since(started).Milliseconds(),
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

// Stream implements provider.Provider by adapting the SDK's server-sent-event
// stream into a channel of execctx.StreamChunk, accumulating tool-call
// fragments by index the same way the non-streaming path assembles them
// whole.
func (p *Provider) Stream(ctx context.Context, req *execctx.Request) (<-chan execctx.StreamChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		ge := execctx.NewError(execctx.KindInvalidArgument, req.RequestID, err.Error())
		ge.ProviderID = p.id
		return nil, ge
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, p.classifyErr(req.RequestID, err)
	}

	ch := make(chan execctx.StreamChunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		toolCallAccum := map[int]*execctx.ToolCall{}
		seq := 0

		for stream.Next() {
			chunk := stream.Current()
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

			for _, tc := range delta.ToolCalls {
				idx := int(tc.Index)
				if _, ok := toolCallAccum[idx]; !ok {
					toolCallAccum[idx] = &execctx.ToolCall{ID: tc.ID, Name: tc.Function.Name}
				}
				existing := toolCallAccum[idx]
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

		// A stream error (stream.Err() != nil) closes ch without a final
		// chunk, so the consumer sees a failed stream rather than a
		// completed one.
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

func (p *Provider) buildParams(req *execctx.Request) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}

	sampling := samplingFromRaw(req.RawParameters)
	if sampling.Temperature != 0 {
		params.Temperature = param.NewOpt(sampling.Temperature)
	}
	if sampling.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(sampling.MaxTokens))
	}
	if sampling.TopP != 0 {
		params.TopP = param.NewOpt(sampling.TopP)
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}

	return params, nil
}

// samplingFromRaw applies the same defaults the sampling policy plugin uses,
// so a provider called directly (e.g. from a test, or a pipeline that skips
// PRE_PROCESSING) still gets sane parameters.
func samplingFromRaw(raw map[string]any) execctx.SamplingConfig {
	cfg := execctx.DefaultSamplingConfig()
	if raw == nil {
		return cfg
	}
	if v, ok := raw["temperature"].(float64); ok {
		cfg.Temperature = v
	}
	if v, ok := raw["top_p"].(float64); ok {
		cfg.TopP = v
	}
	if v, ok := raw["max_tokens"].(float64); ok {
		cfg.MaxTokens = int(v)
	}
	return cfg
}

func convertMessage(m execctx.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case execctx.RoleSystem:
		return oai.SystemMessage(m.Content), nil
	case execctx.RoleUser:
		return oai.UserMessage(m.Content), nil
	case execctx.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil
	case execctx.RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil
	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openaicompat: unknown message role %q", m.Role)
	}
}

// modelCapabilities returns static capability metadata for known model name
// prefixes, falling back to a conservative default for unrecognized models
// (e.g. a self-hosted gateway serving a model this table has never seen).
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
	}
	return caps
}

// classifyErr maps an error returned by the openai-go SDK into the gateway's
// taxonomy, using the SDK's *oai.Error.StatusCode when the SDK returns one
// (every non-2xx HTTP response) and falling back to message-based
// classification for transport-level failures (dial/TLS errors) that never
// reach the HTTP layer.
func (p *Provider) classifyErr(requestID string, err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return provideradapter.ClassifyHTTPStatus(requestID, p.id, apiErr.StatusCode, err)
	}
	return provideradapter.ClassifyMessage(requestID, p.id, err)
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
