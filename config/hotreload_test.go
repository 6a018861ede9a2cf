package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractHotReloadable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Log.Level = "warn"
	cfg.Embedding.Skip.ExcludedTypes = []string{"ping"}
	cfg.Insight.WorldModelMinFacts = 4

	hot := ExtractHotReloadable(cfg)
	assert.Equal(t, "warn", hot.LogLevel)
	assert.Equal(t, []string{"ping"}, hot.Skip.ExcludedTypes)
	assert.Equal(t, 4, hot.WorldModelMinFacts)
	assert.Equal(t, cfg.Insight.WorldModelThreshold, hot.WorldModelThreshold)
}

func TestHotReloadableConfig_Changed(t *testing.T) {
	base := func() HotReloadableConfig {
		return HotReloadableConfig{
			LogLevel:            "info",
			Skip:                SkipConfig{MinContentLength: 3, ExcludedTypes: []string{"heartbeat"}},
			WorldModelThreshold: 0.8,
			WorldModelMinFacts:  1,
		}
	}

	cases := map[string]func(*HotReloadableConfig){
		"log level":       func(h *HotReloadableConfig) { h.LogLevel = "debug" },
		"min length":      func(h *HotReloadableConfig) { h.Skip.MinContentLength++ },
		"excluded types":  func(h *HotReloadableConfig) { h.Skip.ExcludedTypes = append(h.Skip.ExcludedTypes, "ping") },
		"skip duplicates": func(h *HotReloadableConfig) { h.Skip.SkipDuplicates = true },
		"threshold":       func(h *HotReloadableConfig) { h.WorldModelThreshold = 0.9 },
		"min facts":       func(h *HotReloadableConfig) { h.WorldModelMinFacts = 2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			next := base()
			mutate(&next)
			assert.True(t, base().Changed(next))
		})
	}
	assert.False(t, base().Changed(base()))
}
