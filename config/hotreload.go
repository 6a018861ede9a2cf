package config

import "slices"

// HotReloadableConfig is the part of Config a running process applies
// without a restart.
type HotReloadableConfig struct {
	LogLevel            string
	Skip                SkipConfig
	WorldModelThreshold float64
	WorldModelMinFacts  int
}

// ExtractHotReloadable copies the reloadable fields out of cfg.
func ExtractHotReloadable(cfg *Config) HotReloadableConfig {
	return HotReloadableConfig{
		LogLevel:            cfg.Log.Level,
		Skip:                cfg.Embedding.Skip,
		WorldModelThreshold: cfg.Insight.WorldModelThreshold,
		WorldModelMinFacts:  cfg.Insight.WorldModelMinFacts,
	}
}

// Changed reports whether any reloadable field differs.
func (h HotReloadableConfig) Changed(other HotReloadableConfig) bool {
	if h.LogLevel != other.LogLevel {
		return true
	}
	if h.WorldModelThreshold != other.WorldModelThreshold || h.WorldModelMinFacts != other.WorldModelMinFacts {
		return true
	}
	a, b := h.Skip, other.Skip
	return a.MinContentLength != b.MinContentLength ||
		a.SkipDuplicates != b.SkipDuplicates ||
		!slices.Equal(a.ExcludedTypes, b.ExcludedTypes)
}
