package config_test

import (
	"testing"

	"github.com/inference-gateway/gateway/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogLevelInfo},
		Providers: []config.ProviderConfig{
			{ID: "p1", Kind: config.ProviderKindRemote, Name: "openai"},
		},
	}
	d := config.Diff(cfg, cfg)
	if d.ProvidersChanged {
		t.Error("expected ProvidersChanged=false for identical configs")
	}
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if len(d.ProviderChanges) != 0 {
		t.Errorf("expected 0 provider changes, got %d", len(d.ProviderChanges))
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogLevelInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogLevelDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogLevelDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_WeightsChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Routing: config.RoutingConfig{Weights: config.WeightsConfig{Performance: 0.25, Cost: 0.25, Latency: 0.25, Reliability: 0.25}},
	}
	new := &config.Config{
		Routing: config.RoutingConfig{Weights: config.WeightsConfig{Performance: 0.7, Cost: 0.1, Latency: 0.1, Reliability: 0.1}},
	}

	d := config.Diff(old, new)
	if !d.WeightsChanged {
		t.Error("expected WeightsChanged=true")
	}
	if d.NewWeights.Performance != 0.7 {
		t.Errorf("expected NewWeights.Performance=0.7, got %v", d.NewWeights.Performance)
	}
}

func TestDiff_ProviderBreakerChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Providers: []config.ProviderConfig{
			{ID: "p1", Breaker: config.BreakerConfig{FailureThreshold: 5}},
		},
	}
	new := &config.Config{
		Providers: []config.ProviderConfig{
			{ID: "p1", Breaker: config.BreakerConfig{FailureThreshold: 10}},
		},
	}

	d := config.Diff(old, new)
	if !d.ProvidersChanged {
		t.Error("expected ProvidersChanged=true")
	}
	if len(d.ProviderChanges) != 1 {
		t.Fatalf("expected 1 provider change, got %d", len(d.ProviderChanges))
	}
	if !d.ProviderChanges[0].BreakerChanged {
		t.Error("expected BreakerChanged=true")
	}
	if d.ProviderChanges[0].PoolChanged {
		t.Error("expected PoolChanged=false")
	}
}

func TestDiff_ProviderPoolChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Providers: []config.ProviderConfig{
			{ID: "local-0", Pool: config.PoolConfig{MaxSize: 2}},
		},
	}
	new := &config.Config{
		Providers: []config.ProviderConfig{
			{ID: "local-0", Pool: config.PoolConfig{MaxSize: 4}},
		},
	}

	d := config.Diff(old, new)
	if !d.ProvidersChanged {
		t.Error("expected ProvidersChanged=true")
	}
	found := false
	for _, pc := range d.ProviderChanges {
		if pc.ID == "local-0" && pc.PoolChanged {
			found = true
		}
	}
	if !found {
		t.Error("expected local-0's PoolChanged=true")
	}
}

func TestDiff_ProviderQuotaChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Providers: []config.ProviderConfig{
			{ID: "p1", Quota: config.QuotaConfig{DefaultLimit: 1000}},
		},
	}
	new := &config.Config{
		Providers: []config.ProviderConfig{
			{ID: "p1", Quota: config.QuotaConfig{DefaultLimit: 2000}},
		},
	}

	d := config.Diff(old, new)
	found := false
	for _, pc := range d.ProviderChanges {
		if pc.ID == "p1" && pc.QuotaChanged {
			found = true
		}
	}
	if !found {
		t.Error("expected p1's QuotaChanged=true")
	}
}

func TestDiff_ProviderAdded(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Providers: []config.ProviderConfig{{ID: "p1"}},
	}
	new := &config.Config{
		Providers: []config.ProviderConfig{{ID: "p1"}, {ID: "p2"}},
	}

	d := config.Diff(old, new)
	if !d.ProvidersChanged {
		t.Error("expected ProvidersChanged=true")
	}
	found := false
	for _, pc := range d.ProviderChanges {
		if pc.ID == "p2" && pc.Added {
			found = true
		}
	}
	if !found {
		t.Error("expected p2 Added=true")
	}
}

func TestDiff_ProviderRemoved(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Providers: []config.ProviderConfig{{ID: "p1"}, {ID: "p2"}},
	}
	new := &config.Config{
		Providers: []config.ProviderConfig{{ID: "p1"}},
	}

	d := config.Diff(old, new)
	if !d.ProvidersChanged {
		t.Error("expected ProvidersChanged=true")
	}
	found := false
	for _, pc := range d.ProviderChanges {
		if pc.ID == "p2" && pc.Removed {
			found = true
		}
	}
	if !found {
		t.Error("expected p2 Removed=true")
	}
}

func TestDiff_TenantQuotaChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Tenants: []config.TenantConfig{{ID: "t1", Quota: config.QuotaConfig{DefaultLimit: 500}}},
	}
	new := &config.Config{
		Tenants: []config.TenantConfig{{ID: "t1", Quota: config.QuotaConfig{DefaultLimit: 1500}}},
	}

	d := config.Diff(old, new)
	if !d.TenantsChanged {
		t.Error("expected TenantsChanged=true")
	}
	if len(d.TenantChanges) != 1 || !d.TenantChanges[0].QuotaChanged {
		t.Fatalf("expected t1 QuotaChanged=true, got %+v", d.TenantChanges)
	}
}

func TestDiff_TenantRolesChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Tenants: []config.TenantConfig{{ID: "t1", Roles: []string{"chat"}}},
	}
	new := &config.Config{
		Tenants: []config.TenantConfig{{ID: "t1", Roles: []string{"chat", "embeddings"}}},
	}

	d := config.Diff(old, new)
	if !d.TenantsChanged {
		t.Error("expected TenantsChanged=true")
	}
	if !d.TenantChanges[0].RolesChanged {
		t.Error("expected RolesChanged=true")
	}
}

func TestDiff_TenantAddedAndRemoved(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Tenants: []config.TenantConfig{{ID: "t1"}, {ID: "t2"}},
	}
	new := &config.Config{
		Tenants: []config.TenantConfig{{ID: "t1"}, {ID: "t3"}},
	}

	d := config.Diff(old, new)
	changes := make(map[string]config.TenantDiff)
	for _, tc := range d.TenantChanges {
		changes[tc.ID] = tc
	}
	if !changes["t2"].Removed {
		t.Error("expected t2 Removed=true")
	}
	if !changes["t3"].Added {
		t.Error("expected t3 Added=true")
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogLevelInfo},
		Providers: []config.ProviderConfig{
			{ID: "p1", Breaker: config.BreakerConfig{FailureThreshold: 5}},
			{ID: "p2"},
		},
	}
	new := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogLevelWarn},
		Providers: []config.ProviderConfig{
			{ID: "p1", Breaker: config.BreakerConfig{FailureThreshold: 10}},
			{ID: "p3"},
		},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.ProvidersChanged {
		t.Error("expected ProvidersChanged=true")
	}
	changes := make(map[string]config.ProviderDiff)
	for _, pc := range d.ProviderChanges {
		changes[pc.ID] = pc
	}
	if !changes["p1"].BreakerChanged {
		t.Error("expected p1 BreakerChanged=true")
	}
	if !changes["p2"].Removed {
		t.Error("expected p2 Removed=true")
	}
	if !changes["p3"].Added {
		t.Error("expected p3 Added=true")
	}
}
