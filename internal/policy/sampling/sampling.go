// Package sampling implements the PRE_PROCESSING sampling-config plugin:
// it normalizes a request's raw parameter map into a
// [execctx.SamplingConfig], applying the enumerated defaults for missing
// keys and rejecting out-of-range values with INVALID_ARGUMENT.
package sampling

import (
	"context"
	"fmt"

	"github.com/inference-gateway/gateway/internal/execctx"
	"github.com/inference-gateway/gateway/internal/pipeline"
)

// Bounds configures the accepted range for each sampling parameter. A zero
// Bounds disables range checking for that parameter (min == max == 0).
type Bounds struct {
	MinTemperature, MaxTemperature float64
	MinTopK, MaxTopK               int
	MinTopP, MaxTopP               float64
	MaxTokensCeiling               int
}

// DefaultBounds returns permissive bounds matching common provider limits.
func DefaultBounds() Bounds {
	return Bounds{
		MinTemperature:   0,
		MaxTemperature:   2,
		MinTopK:          0,
		MaxTopK:          1000,
		MinTopP:          0,
		MaxTopP:          1,
		MaxTokensCeiling: 32768,
	}
}

// Plugin builds and validates the sampling configuration for a request.
type Plugin struct {
	pipeline.AlwaysExecute
	order  int
	bounds Bounds
}

// New creates the sampling plugin with the given order and bounds.
func New(order int, bounds Bounds) *Plugin {
	return &Plugin{order: order, bounds: bounds}
}

func (p *Plugin) ID() string           { return "policy.sampling" }
func (p *Plugin) Phase() execctx.Phase { return execctx.PhasePreProcessing }
func (p *Plugin) Order() int           { return p.order }

// Execute builds a SamplingConfig from Request.RawParameters, validates it
// against the configured Bounds, and stores it under
// execctx.VarSamplingConfig.
func (p *Plugin) Execute(ctx context.Context, ec *execctx.ExecutionContext, eng *execctx.EngineContext) error {
	cfg := fromRawParameters(ec.Request.RawParameters)

	if err := p.validate(cfg); err != nil {
		ge := execctx.NewError(execctx.KindInvalidArgument, ec.Request.RequestID, err.Error())
		return ge
	}

	ec.SetVariable(execctx.VarSamplingConfig, cfg)
	return nil
}

// fromRawParameters builds a SamplingConfig, applying the documented
// defaults for any key absent from raw.
func fromRawParameters(raw map[string]any) execctx.SamplingConfig {
	cfg := execctx.DefaultSamplingConfig()
	if raw == nil {
		return cfg
	}

	if v, ok := raw["temperature"].(float64); ok {
		cfg.Temperature = v
	}
	if v, ok := intFrom(raw["topK"]); ok {
		cfg.TopK = v
	}
	if v, ok := raw["topP"].(float64); ok {
		cfg.TopP = v
	}
	if v, ok := raw["repetitionPenalty"].(float64); ok {
		cfg.RepetitionPenalty = v
	}
	if v, ok := raw["presencePenalty"].(float64); ok {
		cfg.PresencePenalty = v
	}
	if v, ok := intFrom(raw["maxTokens"]); ok {
		cfg.MaxTokens = v
	}
	if v, ok := raw["stopTokens"].([]string); ok {
		cfg.StopTokens = v
	} else if v, ok := raw["stopTokens"].([]any); ok {
		stop := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				stop = append(stop, str)
			}
		}
		cfg.StopTokens = stop
	}
	if v, ok := raw["grammarMode"].(string); ok {
		cfg.GrammarMode = execctx.GrammarMode(v)
	}
	return cfg
}

func intFrom(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// validate checks cfg against p.bounds, returning the first violation found.
func (p *Plugin) validate(cfg execctx.SamplingConfig) error {
	b := p.bounds
	if b.MaxTemperature > b.MinTemperature {
		if cfg.Temperature < b.MinTemperature || cfg.Temperature > b.MaxTemperature {
			return fmt.Errorf("temperature %v out of range [%v,%v]", cfg.Temperature, b.MinTemperature, b.MaxTemperature)
		}
	}
	if b.MaxTopK > b.MinTopK {
		if cfg.TopK < b.MinTopK || cfg.TopK > b.MaxTopK {
			return fmt.Errorf("topK %d out of range [%d,%d]", cfg.TopK, b.MinTopK, b.MaxTopK)
		}
	}
	if b.MaxTopP > b.MinTopP {
		if cfg.TopP < b.MinTopP || cfg.TopP > b.MaxTopP {
			return fmt.Errorf("topP %v out of range [%v,%v]", cfg.TopP, b.MinTopP, b.MaxTopP)
		}
	}
	if b.MaxTokensCeiling > 0 && cfg.MaxTokens > b.MaxTokensCeiling {
		return fmt.Errorf("maxTokens %d exceeds ceiling %d", cfg.MaxTokens, b.MaxTokensCeiling)
	}
	if cfg.MaxTokens <= 0 {
		return fmt.Errorf("maxTokens must be positive, got %d", cfg.MaxTokens)
	}
	return nil
}

var _ pipeline.Plugin = (*Plugin)(nil)
