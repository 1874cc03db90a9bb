// Package streaminghttp implements provider.Provider for vendors that expose
// chat completions over a persistent WebSocket rather than HTTP
// request/response or SSE (e.g. a realtime-style gateway in front of a
// self-hosted model). One connection is dialed per call; the wire protocol
// is a minimal JSON event stream modeled on the session.update /
// response.*.delta / response.*.done shape used by realtime voice APIs,
// narrowed here to plain text deltas and tool-call argument accumulation.
package streaminghttp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/inference-gateway/gateway/internal/execctx"
	"github.com/inference-gateway/gateway/internal/provider"
	"github.com/inference-gateway/gateway/internal/provideradapter"
)

// Option configures a Provider.
type Option func(*Provider)

// WithTimeout bounds how long Dial waits to establish the connection for a
// single call.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.dialTimeout = d }
}

// WithHeader adds a static header (e.g. a bearer token) sent on every dial.
func WithHeader(key, value string) Option {
	return func(p *Provider) {
		if p.header == nil {
			p.header = http.Header{}
		}
		p.header.Add(key, value)
	}
}

// Provider implements provider.Provider by dialing a new WebSocket
// connection for every call and exchanging a JSON event protocol.
type Provider struct {
	id          string
	url         string
	model       string
	caps        provider.Capabilities
	header      http.Header
	dialTimeout time.Duration

	mu    sync.RWMutex
	state provider.State

	shutdown atomic.Bool
}

// New creates a streaminghttp Provider targeting url (e.g.
// "wss://vendor.example.com/v1/stream").
func New(id, url, model string, caps provider.Capabilities, opts ...Option) (*Provider, error) {
	if url == "" {
		return nil, fmt.Errorf("streaminghttp: url must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("streaminghttp: model must not be empty")
	}
	if id == "" {
		id = "streaminghttp:" + model
	}
	p := &Provider{
		id:          id,
		url:         url,
		model:       model,
		caps:        caps,
		dialTimeout: 10 * time.Second,
		state:       provider.StateUninitialized,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Provider) ID() string                         { return p.id }
func (p *Provider) Capabilities() provider.Capabilities { return p.caps }

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

// requestMessage is the single outgoing event: a full chat request, since
// this protocol has no separate session-setup phase.
type requestMessage struct {
	Type     string         `json:"type"`
	Model    string         `json:"model"`
	Messages []wireMessage  `json:"messages"`
	Tools    []wireTool     `json:"tools,omitempty"`
	Sampling wireSampling   `json:"sampling,omitempty"`
}

type wireMessage struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireSampling struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
}

// serverEvent is the single incoming event shape: a text delta, a tool-call
// argument fragment, a terminal "done" marker, or an error.
type serverEvent struct {
	Type string `json:"type"`

	Delta string `json:"delta,omitempty"`

	ToolCallIndex int    `json:"tool_call_index,omitempty"`
	ToolCallID    string `json:"tool_call_id,omitempty"`
	ToolCallName  string `json:"tool_call_name,omitempty"`
	ArgumentDelta string `json:"argument_delta,omitempty"`

	Error string `json:"error,omitempty"`
}

// Stream dials a new connection, sends the request, and forwards server
// events as execctx.StreamChunk values until a "response.done" event ends the
// stream with a final chunk. An "error" event or a read failure closes the
// channel without a final chunk.
func (p *Provider) Stream(ctx context.Context, req *execctx.Request) (<-chan execctx.StreamChunk, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, p.url, &websocket.DialOptions{HTTPHeader: p.header})
	cancel()
	if err != nil {
		return nil, provideradapter.ClassifyMessage(req.RequestID, p.id,
			fmt.Errorf("streaminghttp: dial: %w", err))
	}

	if err := p.send(ctx, conn, req); err != nil {
		conn.Close(websocket.StatusInternalError, "request send failed")
		return nil, provideradapter.ClassifyMessage(req.RequestID, p.id,
			fmt.Errorf("streaminghttp: send request: %w", err))
	}

	ch := make(chan execctx.StreamChunk, 32)
	go p.receiveLoop(ctx, conn, req.RequestID, ch)
	return ch, nil
}

// Infer drains Stream to completion and concatenates the deltas, for vendors
// that only expose the streaming protocol.
func (p *Provider) Infer(ctx context.Context, req *execctx.Request) (*execctx.Response, error) {
	started := time.Now()
	chunks, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	var toolCalls []execctx.ToolCall
	for c := range chunks {
		content.WriteString(c.Delta)
		if c.IsFinal {
			toolCalls = c.ToolCalls
		}
	}

	return &execctx.Response{
		RequestID:  req.RequestID,
		Model:      p.model,
		Content:    content.String(),
		ToolCalls:  toolCalls,
		DurationMs: time.Since(started).Milliseconds(),
	}, nil
}

func (p *Provider) send(ctx context.Context, conn *websocket.Conn, req *execctx.Request) error {
	msg := requestMessage{
		Type:     "request.create",
		Model:    p.model,
		Messages: make([]wireMessage, len(req.Messages)),
		Sampling: samplingFromRaw(req.RawParameters),
	}
	for i, m := range req.Messages {
		msg.Messages[i] = wireMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
	}
	for _, t := range req.Tools {
		msg.Tools = append(msg.Tools, wireTool{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func samplingFromRaw(raw map[string]any) wireSampling {
	cfg := execctx.DefaultSamplingConfig()
	if raw != nil {
		if v, ok := raw["temperature"].(float64); ok {
			cfg.Temperature = v
		}
		if v, ok := raw["max_tokens"].(float64); ok {
			cfg.MaxTokens = int(v)
		}
		if v, ok := raw["top_p"].(float64); ok {
			cfg.TopP = v
		}
	}
	return wireSampling{Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens, TopP: cfg.TopP}
}

// receiveLoop reads events off conn and dispatches them to ch. It owns ch
// and conn: it closes ch and closes conn on exit.
func (p *Provider) receiveLoop(ctx context.Context, conn *websocket.Conn, requestID string, ch chan<- execctx.StreamChunk) {
	defer close(ch)
	defer conn.Close(websocket.StatusNormalClosure, "stream complete")

	toolCallAccum := map[int]*execctx.ToolCall{}
	seq := 0

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		switch evt.Type {
		case "response.delta":
			out := execctx.StreamChunk{RequestID: requestID, SequenceNumber: seq, Delta: evt.Delta}
			seq++
			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}

		case "response.tool_call.delta":
			existing, ok := toolCallAccum[evt.ToolCallIndex]
			if !ok {
				existing = &execctx.ToolCall{ID: evt.ToolCallID, Name: evt.ToolCallName}
				toolCallAccum[evt.ToolCallIndex] = existing
			}
			if evt.ToolCallID != "" {
				existing.ID = evt.ToolCallID
			}
			if evt.ToolCallName != "" {
				existing.Name = evt.ToolCallName
			}
			existing.Arguments += evt.ArgumentDelta

		case "error":
			// Close without a final chunk so the consumer sees a failed
			// stream rather than a completed one.
			return

		case "response.done":
			final := execctx.StreamChunk{
				RequestID:      requestID,
				SequenceNumber: seq,
				IsFinal:        true,
				ToolCalls:      flattenToolCalls(toolCallAccum),
			}
			select {
			case ch <- final:
			case <-ctx.Done():
			}
			return
		}
	}
}

// flattenToolCalls orders accumulated tool-call fragments by their original
// index so the resulting slice matches the order the vendor emitted them in.
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
