package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func resetVersion(t *testing.T) {
	t.Helper()
	v, b, g := Version, BuildTime, GitCommit
	t.Cleanup(func() { Version, BuildTime, GitCommit = v, b, g })
	Version, BuildTime, GitCommit = "dev", "", ""
}

func TestFillFromBuildInfo(t *testing.T) {
	resetVersion(t)

	fillFromBuildInfo(&debug.BuildInfo{
		Main: debug.Module{Version: "v1.4.0"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	})

	assert.Equal(t, "1.4.0", Version)
	assert.Equal(t, "0123456789ab-dirty", GitCommit)
	assert.Equal(t, "2026-10-01T12:00:00Z", BuildTime)
}

func TestFillFromBuildInfo_LdflagsWin(t *testing.T) {
	resetVersion(t)
	Version, GitCommit = "2.0.0", "release"

	fillFromBuildInfo(&debug.BuildInfo{
		Main:     debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "abc"}},
	})

	assert.Equal(t, "2.0.0", Version)
	assert.Equal(t, "release", GitCommit)
}

func TestInfoAndString(t *testing.T) {
	resetVersion(t)

	info := Info()
	assert.Equal(t, Name, info["name"])
	assert.Equal(t, "unknown", info["gitCommit"])
	assert.NotEmpty(t, info["goVersion"])
	assert.Contains(t, String(), "mnemo dev (commit unknown")
}
