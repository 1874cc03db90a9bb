package memoryinject

import (
	"context"
	"errors"
	"testing"

	"github.com/inference-gateway/gateway/internal/execctx"
)

type fakeSource struct {
	name    string
	results []Retrieved
	err     error
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Retrieve(ctx context.Context, req *execctx.Request) ([]Retrieved, error) {
	return f.results, f.err
}

func newEC(messages []execctx.Message) *execctx.ExecutionContext {
	req := &execctx.Request{RequestID: "r1", TenantID: "t1", ModelID: "m1", Messages: messages}
	return execctx.NewExecutionContext(req, nil, nil)
}

func TestExecute_NoSourcesSkipsInjection(t *testing.T) {
	p := New(1, nil, 0)
	ec := newEC([]execctx.Message{{Role: execctx.RoleUser, Content: "hi"}})

	if p.ShouldExecute(ec) {
		t.Fatal("ShouldExecute should be false with no sources configured")
	}
}

func TestExecute_CombinesMultipleSources(t *testing.T) {
	sources := []Source{
		&fakeSource{name: "kg", results: []Retrieved{{Text: "fact A", EstimateTokens: 2}}},
		&fakeSource{name: "vectors", results: []Retrieved{{Text: "fact B", EstimateTokens: 2}}},
	}
	p := New(1, sources, 0)
	ec := newEC([]execctx.Message{{Role: execctx.RoleUser, Content: "question"}})

	if err := p.Execute(context.Background(), ec, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	v, ok := ec.Variable(execctx.VarEffectiveMessages)
	if !ok {
		t.Fatal("effective messages not stored")
	}
	msgs := v.([]execctx.Message)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (injected + original)", len(msgs))
	}
	if msgs[0].Role != execctx.RoleSystem {
		t.Errorf("first message role = %v, want system", msgs[0].Role)
	}
	if msgs[1].Content != "question" {
		t.Errorf("second message should be the original user message, got %q", msgs[1].Content)
	}
}

func TestExecute_RespectsTokenBudget(t *testing.T) {
	sources := []Source{
		&fakeSource{name: "kg", results: []Retrieved{
			{Text: "small", EstimateTokens: 5},
			{Text: "too big", EstimateTokens: 100},
		}},
	}
	p := New(1, sources, 10)
	ec := newEC([]execctx.Message{{Role: execctx.RoleUser, Content: "q"}})

	if err := p.Execute(context.Background(), ec, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	v, _ := ec.Variable(execctx.VarEffectiveMessages)
	msgs := v.([]execctx.Message)
	if msgs[0].Content != "small" {
		t.Errorf("injected content = %q, want only the under-budget entry", msgs[0].Content)
	}
}

func TestExecute_NoResultsLeavesEffectiveMessagesUnset(t *testing.T) {
	sources := []Source{&fakeSource{name: "kg", results: nil}}
	p := New(1, sources, 0)
	ec := newEC([]execctx.Message{{Role: execctx.RoleUser, Content: "q"}})

	if err := p.Execute(context.Background(), ec, nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, ok := ec.Variable(execctx.VarEffectiveMessages); ok {
		t.Error("effective messages should not be set when nothing was retrieved")
	}
}

func TestExecute_SourceErrorFails(t *testing.T) {
	sources := []Source{&fakeSource{name: "kg", err: errors.New("backend down")}}
	p := New(1, sources, 0)
	ec := newEC([]execctx.Message{{Role: execctx.RoleUser, Content: "q"}})

	err := p.Execute(context.Background(), ec, nil)
	var ge *execctx.GatewayError
	if !errors.As(err, &ge) {
		t.Fatalf("err = %v, want *execctx.GatewayError", err)
	}
	if ge.Kind != execctx.KindInternal {
		t.Errorf("Kind = %v, want INTERNAL", ge.Kind)
	}
}
