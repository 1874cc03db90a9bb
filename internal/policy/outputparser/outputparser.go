// Package outputparser implements the POST_PROCESSING plugin that scans a
// completed response for JSON-style and tag-style tool-call patterns,
// extracts them into execctx.ToolCall values, and strips the
// recognized scaffolding from the final answer text.
package outputparser

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/inference-gateway/gateway/internal/execctx"
	"github.com/inference-gateway/gateway/internal/pipeline"
)

// tagPattern matches <tool_call>{...json...}</tool_call>-style scaffolding.
var tagPattern = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)

// jsonCallPattern matches a bare top-level {"name": "...", "arguments": {...}}
// object appearing on its own line.
var jsonCallPattern = regexp.MustCompile(`(?m)^\s*(\{\s*"name"\s*:.*\})\s*$`)

type rawToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Plugin extracts tool-call intents from a response's content.
type Plugin struct {
	pipeline.AlwaysExecute
	order int
}

// New creates the output-parser plugin with the given order.
func New(order int) *Plugin {
	return &Plugin{order: order}
}

func (p *Plugin) ID() string           { return "policy.outputparser" }
func (p *Plugin) Phase() execctx.Phase { return execctx.PhasePostProcessing }
func (p *Plugin) Order() int           { return p.order }

// Execute reads the *execctx.Response stashed under execctx.VarResponse by
// EXECUTE, extracts any tool calls it finds in Content, strips the matched
// scaffolding, and writes the cleaned Content and extracted ToolCalls back
// onto the same Response in place.
func (p *Plugin) Execute(ctx context.Context, ec *execctx.ExecutionContext, eng *execctx.EngineContext) error {
	v, ok := ec.Variable(execctx.VarResponse)
	if !ok {
		return nil
	}
	resp, ok := v.(*execctx.Response)
	if !ok || resp == nil {
		return nil
	}

	cleaned, calls := Extract(resp.Content)
	resp.Content = cleaned
	if len(calls) > 0 {
		resp.ToolCalls = append(resp.ToolCalls, calls...)
	}
	return nil
}

// Extract scans content for tag-style and bare-JSON tool-call patterns,
// returning the content with every match stripped and the extracted calls:
// all tag-style calls first, then all bare-JSON calls, each group in the
// order it appeared. Malformed matches (invalid JSON, missing
// name) are left in place rather than silently dropped.
func Extract(content string) (string, []execctx.ToolCall) {
	var calls []execctx.ToolCall

	cleaned := tagPattern.ReplaceAllStringFunc(content, func(match string) string {
		sub := tagPattern.FindStringSubmatch(match)
		if call, ok := parseCall(sub[1]); ok {
			calls = append(calls, call)
			return ""
		}
		return match
	})

	cleaned = jsonCallPattern.ReplaceAllStringFunc(cleaned, func(match string) string {
		sub := jsonCallPattern.FindStringSubmatch(match)
		if call, ok := parseCall(sub[1]); ok {
			calls = append(calls, call)
			return ""
		}
		return match
	})

	return strings.TrimSpace(cleaned), calls
}

func parseCall(jsonBody string) (execctx.ToolCall, bool) {
	var raw rawToolCall
	if err := json.Unmarshal([]byte(jsonBody), &raw); err != nil || raw.Name == "" {
		return execctx.ToolCall{}, false
	}
	args := "{}"
	if len(raw.Arguments) > 0 {
		args = string(raw.Arguments)
	}
	return execctx.ToolCall{Name: raw.Name, Arguments: args}, true
}

var _ pipeline.Plugin = (*Plugin)(nil)
