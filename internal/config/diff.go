package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	WeightsChanged bool
	NewWeights     WeightsConfig

	ProvidersChanged bool
	ProviderChanges  []ProviderDiff

	TenantsChanged bool
	TenantChanges  []TenantDiff
}

// ProviderDiff describes what changed for a single provider id between two
// configs.
type ProviderDiff struct {
	ID             string
	BreakerChanged bool
	PoolChanged    bool
	QuotaChanged   bool
	Added          bool
	Removed        bool
}

// TenantDiff describes what changed for a single tenant id between two
// configs.
type TenantDiff struct {
	ID           string
	QuotaChanged bool
	RolesChanged bool
	Added        bool
	Removed      bool
}

// Diff compares old and new configs and returns what changed: the log level,
// the routing weights, each provider's breaker/pool/quota tuning and
// additions/removals, and each tenant's quota/roles and additions/removals.
// Diff only reports changes; applying them is up to the caller (the app
// applies routing weights live and logs provider/tenant changes as needing
// a restart).
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Routing.Weights != new.Routing.Weights {
		d.WeightsChanged = true
		d.NewWeights = new.Routing.Weights
	}

	oldProviders := make(map[string]*ProviderConfig, len(old.Providers))
	for i := range old.Providers {
		oldProviders[old.Providers[i].ID] = &old.Providers[i]
	}
	newProviders := make(map[string]*ProviderConfig, len(new.Providers))
	for i := range new.Providers {
		newProviders[new.Providers[i].ID] = &new.Providers[i]
	}

	for id, oldP := range oldProviders {
		newP, exists := newProviders[id]
		if !exists {
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{ID: id, Removed: true})
			d.ProvidersChanged = true
			continue
		}
		pd := diffProvider(id, oldP, newP)
		if pd.BreakerChanged || pd.PoolChanged || pd.QuotaChanged {
			d.ProviderChanges = append(d.ProviderChanges, pd)
			d.ProvidersChanged = true
		}
	}
	for id := range newProviders {
		if _, exists := oldProviders[id]; !exists {
			d.ProviderChanges = append(d.ProviderChanges, ProviderDiff{ID: id, Added: true})
			d.ProvidersChanged = true
		}
	}

	oldTenants := make(map[string]*TenantConfig, len(old.Tenants))
	for i := range old.Tenants {
		oldTenants[old.Tenants[i].ID] = &old.Tenants[i]
	}
	newTenants := make(map[string]*TenantConfig, len(new.Tenants))
	for i := range new.Tenants {
		newTenants[new.Tenants[i].ID] = &new.Tenants[i]
	}

	for id, oldT := range oldTenants {
		newT, exists := newTenants[id]
		if !exists {
			d.TenantChanges = append(d.TenantChanges, TenantDiff{ID: id, Removed: true})
			d.TenantsChanged = true
			continue
		}
		td := diffTenant(id, oldT, newT)
		if td.QuotaChanged || td.RolesChanged {
			d.TenantChanges = append(d.TenantChanges, td)
			d.TenantsChanged = true
		}
	}
	for id := range newTenants {
		if _, exists := oldTenants[id]; !exists {
			d.TenantChanges = append(d.TenantChanges, TenantDiff{ID: id, Added: true})
			d.TenantsChanged = true
		}
	}

	return d
}

// diffProvider compares two provider configs with the same id.
func diffProvider(id string, old, new *ProviderConfig) ProviderDiff {
	pd := ProviderDiff{ID: id}
	if old.Breaker != new.Breaker {
		pd.BreakerChanged = true
	}
	if old.Pool != new.Pool {
		pd.PoolChanged = true
	}
	if old.Quota != new.Quota {
		pd.QuotaChanged = true
	}
	return pd
}

// diffTenant compares two tenant configs with the same id.
func diffTenant(id string, old, new *TenantConfig) TenantDiff {
	td := TenantDiff{ID: id}
	if old.Quota != new.Quota {
		td.QuotaChanged = true
	}
	if !slices.Equal(old.Roles, new.Roles) {
		td.RolesChanged = true
	}
	return td
}
