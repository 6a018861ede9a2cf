// Package version reports what binary is running. Values come from
// -ldflags "-X github.com/goclaw/mnemo/pkg/version.Version=..." and fall
// back to the VCS stamp the Go toolchain embeds.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
)

// Name is the service name used in traces, logs and the health endpoint.
const Name = "mnemo"

// Build stamps. Empty values are filled from the embedded build info.
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

func init() {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	fillFromBuildInfo(bi)
}

func fillFromBuildInfo(bi *debug.BuildInfo) {
	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = strings.TrimPrefix(bi.Main.Version, "v")
	}
	for _, s := range bi.Settings {
		switch {
		case s.Key == "vcs.revision" && GitCommit == "":
			GitCommit = s.Value
			if len(GitCommit) > 12 {
				GitCommit = GitCommit[:12]
			}
		case s.Key == "vcs.time" && BuildTime == "":
			BuildTime = s.Value
		case s.Key == "vcs.modified" && s.Value == "true" && GitCommit != "" && !strings.HasSuffix(GitCommit, "-dirty"):
			GitCommit += "-dirty"
		}
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// Info is the version block of the health response.
func Info() map[string]string {
	return map[string]string{
		"name":      Name,
		"version":   Version,
		"buildTime": orUnknown(BuildTime),
		"gitCommit": orUnknown(GitCommit),
		"goVersion": runtime.Version(),
	}
}

// String is the -version output.
func String() string {
	return Name + " " + Version + " (commit " + orUnknown(GitCommit) + ", built " + orUnknown(BuildTime) + ", " + runtime.Version() + ")"
}
