// Package version reports the build of subnet-authorityd. The version is
// logged at startup, served in /v1/config, and advertised in the vers TXT key.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
	"time"
)

// Set at build time via ldflags:
//
//	go build -ldflags="-X github.com/muurk/subnet-authority/internal/version.Version=v1.2.3 \
//	                   -X github.com/muurk/subnet-authority/internal/version.Commit=abc123"
//
// Unset values are taken from the build info, then default to a dev version.
var (
	Version = ""
	Commit  = ""
)

func init() {
	if info, ok := debug.ReadBuildInfo(); ok {
		fromBuildInfo(info)
	}
	if Version == "" {
		Version = fmt.Sprintf("dev-%s", time.Now().Format("20060102-150405"))
	}
	if Commit == "" {
		Commit = "unknown"
	}
}

// fromBuildInfo fills Version from the module version ('go install
// ...@v1.2.3') or the VCS commit time, and Commit from the VCS revision.
func fromBuildInfo(info *debug.BuildInfo) {
	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}

	if Commit == "" {
		if rev := settings["vcs.revision"]; rev != "" {
			Commit = rev[:min(len(rev), 7)]
			if settings["vcs.modified"] == "true" {
				Commit += "-dirty"
			}
		}
	}

	if Version != "" {
		return
	}
	if v := info.Main.Version; v != "" && v != "(devel)" && !strings.Contains(v, "+dirty") {
		Version = v
		return
	}
	if t, err := time.Parse(time.RFC3339, settings["vcs.time"]); err == nil {
		Version = fmt.Sprintf("dev-%s", t.Format("20060102"))
	}
}

// Full returns the version with its commit.
func Full() string {
	return fmt.Sprintf("%s (commit: %s)", Version, Commit)
}
