package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[ProviderKind][]string{
	ProviderKindRemote: {"openai", "anthropic", "gemini", "deepseek", "mistral", "groq", "streaminghttp"},
	ProviderKindLocal:  {"llamacpp", "onnxruntime", "pytorch"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateWeights(cfg.Routing.Weights)

	providerIDsSeen := make(map[string]int, len(cfg.Providers))
	for i, p := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%d]", i)
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else if prev, ok := providerIDsSeen[p.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of providers[%d]", prefix, p.ID, prev))
		} else {
			providerIDsSeen[p.ID] = i
		}

		if p.Kind != "" && !p.Kind.IsValid() {
			errs = append(errs, fmt.Errorf("%s.kind %q is invalid; valid values: local, remote", prefix, p.Kind))
		}
		validateProviderName(p.Kind, p.Name)

		if p.Kind == ProviderKindRemote && p.APIKey == "" {
			slog.Warn("remote provider configured without an api key", "provider", p.ID)
		}
		if p.Kind == ProviderKindLocal && p.BasePath == "" {
			errs = append(errs, fmt.Errorf("%s.base_path is required for kind=local", prefix))
		}

		if p.Breaker.FailureThreshold < 0 {
			errs = append(errs, fmt.Errorf("%s.breaker.failure_threshold must be >= 0", prefix))
		}
		if p.Breaker.ProbePolicy != "" && !p.Breaker.ProbePolicy.IsValid() {
			errs = append(errs, fmt.Errorf("%s.breaker.probe_policy %q is invalid; valid values: single", prefix, p.Breaker.ProbePolicy))
		}
		if p.Pool.MaxSize < 0 {
			errs = append(errs, fmt.Errorf("%s.pool.max_size must be >= 0", prefix))
		}
		if p.Quota.DefaultLimit < 0 {
			errs = append(errs, fmt.Errorf("%s.quota.default_limit must be >= 0", prefix))
		}
	}

	tenantIDsSeen := make(map[string]int, len(cfg.Tenants))
	for i, t := range cfg.Tenants {
		prefix := fmt.Sprintf("tenants[%d]", i)
		if t.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
		} else if prev, ok := tenantIDsSeen[t.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of tenants[%d]", prefix, t.ID, prev))
		} else {
			tenantIDsSeen[t.ID] = i
		}
		if t.Quota.DefaultLimit < 0 {
			errs = append(errs, fmt.Errorf("%s.quota.default_limit must be >= 0", prefix))
		}
	}

	if cfg.ModelRegistry.PostgresDSN != "" && cfg.ModelRegistry.EmbeddingDimensions < 0 {
		errs = append(errs, errors.New("model_registry.embedding_dimensions must be >= 0"))
	}

	return errors.Join(errs...)
}

// validateWeights warns if the routing weights are all zero (scoring would
// be degenerate) or do not sum close to 1; [router.New] normalizes
// defensively, so this is advisory rather than a hard failure.
func validateWeights(w WeightsConfig) {
	sum := w.Performance + w.Cost + w.Latency + w.Reliability
	if sum == 0 {
		return
	}
	if math.Abs(sum-1) > 0.01 {
		slog.Warn("routing.weights do not sum to 1; the router will normalize them",
			"performance", w.Performance, "cost", w.Cost, "latency", w.Latency, "reliability", w.Reliability, "sum", sum)
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind ProviderKind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
