package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/inference-gateway/gateway/internal/execctx"
)

func TestConvertMessage_System(t *testing.T) {
	m := execctx.Message{Role: execctx.RoleSystem, Content: "You are helpful."}
	got := convertMessage(m)
	if got.Role != "system" {
		t.Errorf("Role = %q, want system", got.Role)
	}
	if got.ContentString() != "You are helpful." {
		t.Errorf("ContentString() = %q, want %q", got.ContentString(), "You are helpful.")
	}
}

func TestConvertMessage_AssistantWithToolCalls(t *testing.T) {
	m := execctx.Message{
		Role: execctx.RoleAssistant,
		ToolCalls: []execctx.ToolCall{
			{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Berlin"}`},
		},
	}
	got := convertMessage(m)
	if len(got.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "get_weather" || tc.Type != "function" {
		t.Errorf("unexpected tool call: %+v", tc)
	}
}

func TestConvertMessage_Tool(t *testing.T) {
	m := execctx.Message{Role: execctx.RoleTool, Content: "sunny", ToolCallID: "call_1"}
	got := convertMessage(m)
	if got.ToolCallID != "call_1" {
		t.Errorf("ToolCallID = %q, want call_1", got.ToolCallID)
	}
	if got.ContentString() != "sunny" {
		t.Errorf("ContentString() = %q, want sunny", got.ContentString())
	}
}

func TestConvertMessage_EmptyToolCalls(t *testing.T) {
	m := execctx.Message{Role: execctx.RoleAssistant, Content: "No tools here."}
	got := convertMessage(m)
	if len(got.ToolCalls) != 0 {
		t.Errorf("got %d tool calls, want 0", len(got.ToolCalls))
	}
}

func TestModelCapabilities_GPT4oMini(t *testing.T) {
	caps := modelCapabilities("gpt-4o-mini")
	if caps.MaxContextTokens != 128_000 {
		t.Errorf("MaxContextTokens = %d, want 128000", caps.MaxContextTokens)
	}
	if !caps.ToolCalling || !caps.Multimodal || !caps.Streaming {
		t.Errorf("unexpected capability flags: %+v", caps)
	}
}

func TestModelCapabilities_Claude35Sonnet(t *testing.T) {
	caps := modelCapabilities("claude-3-5-sonnet-latest")
	if caps.MaxContextTokens != 200_000 {
		t.Errorf("MaxContextTokens = %d, want 200000", caps.MaxContextTokens)
	}
	if !caps.Multimodal || !caps.ToolCalling {
		t.Errorf("unexpected capability flags: %+v", caps)
	}
}

func TestModelCapabilities_ClaudeGeneric(t *testing.T) {
	caps := modelCapabilities("claude-future-model")
	if caps.MaxContextTokens != 200_000 {
		t.Errorf("MaxContextTokens = %d, want 200000", caps.MaxContextTokens)
	}
}

func TestModelCapabilities_Gemini20Flash(t *testing.T) {
	caps := modelCapabilities("gemini-2.0-flash")
	if caps.MaxContextTokens != 1_048_576 {
		t.Errorf("MaxContextTokens = %d, want 1048576", caps.MaxContextTokens)
	}
}

func TestModelCapabilities_Gemini15Pro(t *testing.T) {
	caps := modelCapabilities("gemini-1.5-pro")
	if caps.MaxContextTokens != 2_097_152 {
		t.Errorf("MaxContextTokens = %d, want 2097152", caps.MaxContextTokens)
	}
}

func TestModelCapabilities_Unknown(t *testing.T) {
	caps := modelCapabilities("my-custom-model")
	if caps.MaxContextTokens <= 0 {
		t.Error("expected a positive default MaxContextTokens")
	}
	if !caps.Streaming {
		t.Error("unknown models should still default to streaming=true")
	}
}

func TestModelCapabilities_CaseInsensitive(t *testing.T) {
	lower := modelCapabilities("gpt-4o")
	upper := modelCapabilities("GPT-4O")
	if lower.MaxContextTokens != upper.MaxContextTokens {
		t.Errorf("case should not matter: got %d vs %d", lower.MaxContextTokens, upper.MaxContextTokens)
	}
}

func TestNew_EmptyVendor(t *testing.T) {
	if _, err := New("p1", "", "gpt-4o"); err == nil {
		t.Fatal("expected error for empty vendor")
	}
}

func TestNew_EmptyModel(t *testing.T) {
	if _, err := New("p1", "openai", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestNew_UnsupportedVendor(t *testing.T) {
	if _, err := New("p1", "fakecloud", "some-model", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Fatal("expected error for unsupported vendor")
	}
}

func TestNew_DefaultsIDToVendorAndModel(t *testing.T) {
	p, err := New("", "openai", "gpt-4o", anyllmlib.WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ID() != "openai:gpt-4o" {
		t.Errorf("ID = %q, want openai:gpt-4o", p.ID())
	}
}

func TestNew_Ollama_NoAPIKey(t *testing.T) {
	p, err := NewOllama("local-llama", "llama3")
	if err != nil {
		t.Fatalf("NewOllama: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil provider")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (*Provider, error)
	}{
		{"NewAnthropic", func() (*Provider, error) {
			return NewAnthropic("p", "claude-3-5-sonnet-latest", anyllmlib.WithAPIKey("sk-ant-test"))
		}},
		{"NewOllama", func() (*Provider, error) { return NewOllama("p", "llama3") }},
		{"NewLlamaCpp", func() (*Provider, error) { return NewLlamaCpp("p", "llama3") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.fn()
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tt.name, err)
			}
			if p == nil {
				t.Fatalf("%s: expected non-nil provider", tt.name)
			}
		})
	}
}

func TestCapabilities_DelegatesToModelCapabilities(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	caps := p.Capabilities()
	want := modelCapabilities("gpt-4o")
	if caps.MaxContextTokens != want.MaxContextTokens || caps.Multimodal != want.Multimodal {
		t.Errorf("caps = %+v, want %+v", caps, want)
	}
}

func TestSupports_MatchesConfiguredModelOnly(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	if !p.Supports("gpt-4o", "tenant-a") {
		t.Error("Supports should match the configured model")
	}
	if p.Supports("claude-3-5-sonnet-latest", "tenant-a") {
		t.Error("Supports should not match a different model")
	}
}

func TestNew_OpenAIAndLlamaFileConvenienceConstructors(t *testing.T) {
	if _, err := NewOpenAI("p", "gpt-4o", anyllmlib.WithAPIKey("sk-test")); err != nil {
		t.Errorf("NewOpenAI: %v", err)
	}
	if _, err := NewLlamaFile("p", "local-model"); err != nil {
		t.Errorf("NewLlamaFile: %v", err)
	}
}

func TestFlattenToolCalls_OrdersByIndex(t *testing.T) {
	accum := map[int]*execctx.ToolCall{
		1: {ID: "call_2", Name: "second"},
		0: {ID: "call_1", Name: "first"},
	}
	got := flattenToolCalls(accum)
	if len(got) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(got))
	}
	if got[0].Name != "first" || got[1].Name != "second" {
		t.Errorf("unexpected order: %+v", got)
	}
}
