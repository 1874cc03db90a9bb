// Package safety implements the VALIDATE-phase content moderation plugin:
// it checks a configured set of blocked patterns against every message in
// the request and fails with POLICY_VIOLATION on the first hit.
//
// The keyword-scan shape follows internal/mcp/tier.Selector's heuristic
// matching over configured terms, generalized from scoring a single best
// match to a reject-on-any-match moderation gate.
package safety

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/inference-gateway/gateway/internal/execctx"
	"github.com/inference-gateway/gateway/internal/pipeline"
)

// Pattern is one blocked-content rule. Regex, when set, takes precedence
// over a plain case-insensitive substring match against Term.
type Pattern struct {
	Term  string
	Regex *regexp.Regexp
}

// Plugin scans every message's content against a configured set of blocked
// patterns.
type Plugin struct {
	pipeline.AlwaysExecute
	order int

	mu       sync.RWMutex
	patterns []Pattern
}

// New creates the safety plugin with the given order and initial patterns.
func New(order int, patterns []Pattern) *Plugin {
	return &Plugin{order: order, patterns: append([]Pattern(nil), patterns...)}
}

// NewFromTerms builds patterns from plain substrings, matched
// case-insensitively.
func NewFromTerms(order int, terms []string) *Plugin {
	patterns := make([]Pattern, len(terms))
	for i, t := range terms {
		patterns[i] = Pattern{Term: t}
	}
	return New(order, patterns)
}

// SetPatterns replaces the configured pattern set, for live policy updates.
func (p *Plugin) SetPatterns(patterns []Pattern) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.patterns = append([]Pattern(nil), patterns...)
}

func (p *Plugin) ID() string           { return "policy.safety" }
func (p *Plugin) Phase() execctx.Phase { return execctx.PhaseValidate }
func (p *Plugin) Order() int           { return p.order }

// Execute checks every Request.Messages entry against the configured
// patterns, failing with POLICY_VIOLATION on the first hit.
func (p *Plugin) Execute(ctx context.Context, ec *execctx.ExecutionContext, eng *execctx.EngineContext) error {
	p.mu.RLock()
	patterns := p.patterns
	p.mu.RUnlock()

	for _, msg := range ec.Request.Messages {
		for _, pat := range patterns {
			if matches(pat, msg.Content) {
				ge := execctx.NewError(execctx.KindPolicyViolation, ec.Request.RequestID,
					fmt.Sprintf("message content matched blocked pattern %q", pat.Term))
				return ge
			}
		}
	}
	return nil
}

func matches(pat Pattern, content string) bool {
	if pat.Regex != nil {
		return pat.Regex.MatchString(content)
	}
	if pat.Term == "" {
		return false
	}
	return strings.Contains(strings.ToLower(content), strings.ToLower(pat.Term))
}

var _ pipeline.Plugin = (*Plugin)(nil)
