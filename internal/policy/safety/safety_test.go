package safety

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/inference-gateway/gateway/internal/execctx"
)

func newEC(messages []execctx.Message) *execctx.ExecutionContext {
	req := &execctx.Request{RequestID: "r1", TenantID: "t1", ModelID: "m1", Messages: messages}
	return execctx.NewExecutionContext(req, nil, nil)
}

func TestExecute_NoPatternsAllowsEverything(t *testing.T) {
	p := NewFromTerms(1, nil)
	ec := newEC([]execctx.Message{{Role: execctx.RoleUser, Content: "anything goes"}})

	if err := p.Execute(context.Background(), ec, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
}

func TestExecute_TermMatchIsCaseInsensitive(t *testing.T) {
	p := NewFromTerms(1, []string{"forbidden"})
	ec := newEC([]execctx.Message{{Role: execctx.RoleUser, Content: "this is FORBIDDEN content"}})

	err := p.Execute(context.Background(), ec, nil)
	var ge *execctx.GatewayError
	if !errors.As(err, &ge) {
		t.Fatalf("err = %v, want *execctx.GatewayError", err)
	}
	if ge.Kind != execctx.KindPolicyViolation {
		t.Errorf("Kind = %v, want POLICY_VIOLATION", ge.Kind)
	}
}

func TestExecute_RegexPatternTakesPrecedence(t *testing.T) {
	p := New(1, []Pattern{{Term: "digits", Regex: regexp.MustCompile(`\d{3,}`)}})
	ec := newEC([]execctx.Message{{Role: execctx.RoleUser, Content: "call 98765 now"}})

	err := p.Execute(context.Background(), ec, nil)
	if err == nil {
		t.Fatal("expected policy violation for matching regex")
	}
}

func TestExecute_ScansAllMessagesUntilFirstHit(t *testing.T) {
	p := NewFromTerms(1, []string{"bad"})
	ec := newEC([]execctx.Message{
		{Role: execctx.RoleSystem, Content: "you are a helpful assistant"},
		{Role: execctx.RoleUser, Content: "tell me something bad"},
	})

	if err := p.Execute(context.Background(), ec, nil); err == nil {
		t.Fatal("expected policy violation from second message")
	}
}

func TestSetPatterns_ReplacesConfiguration(t *testing.T) {
	p := NewFromTerms(1, []string{"old"})
	p.SetPatterns([]Pattern{{Term: "new"}})

	ec := newEC([]execctx.Message{{Role: execctx.RoleUser, Content: "this has old content"}})
	if err := p.Execute(context.Background(), ec, nil); err != nil {
		t.Fatalf("old term should no longer match: %v", err)
	}

	ec2 := newEC([]execctx.Message{{Role: execctx.RoleUser, Content: "this has new content"}})
	if err := p.Execute(context.Background(), ec2, nil); err == nil {
		t.Fatal("expected new term to match")
	}
}
