// Package version reports the loxctl build version.
package version

import (
	"fmt"
	"runtime/debug"
	"time"
)

// Version and Commit are stamped with
//
//	-ldflags="-X github.com/muurk/loxclient/internal/version.Version=v0.3.0"
//
// Empty values are filled from the module build info.
var (
	Version = ""
	Commit  = ""
)

const develVersion = "(devel)"

func init() {
	var info *debug.BuildInfo
	if bi, ok := debug.ReadBuildInfo(); ok {
		info = bi
	}
	v, c := fromBuildInfo(info)
	if Version == "" {
		Version = v
	}
	if Commit == "" {
		Commit = c
	}
}

// fromBuildInfo derives version and commit from info. A tagged module
// version (go install ...@v0.3.0) wins over the VCS stamp of a checkout.
func fromBuildInfo(info *debug.BuildInfo) (version, commit string) {
	version, commit = "dev", "unknown"
	if info == nil {
		return version, commit
	}

	settings := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}

	if rev := settings["vcs.revision"]; rev != "" {
		commit = shortRevision(rev)
		if settings["vcs.modified"] == "true" {
			commit += "-dirty"
		}
	}

	switch mv := info.Main.Version; {
	case mv != "" && mv != develVersion:
		version = mv
	case settings["vcs.time"] != "":
		if t, err := time.Parse(time.RFC3339, settings["vcs.time"]); err == nil {
			version = "dev-" + t.UTC().Format("20060102")
		}
	}
	return version, commit
}

func shortRevision(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}

// Full returns the version with its commit
func Full() string {
	return fmt.Sprintf("%s (commit: %s)", Version, Commit)
}

// UserAgent identifies loxctl in HTTP requests and the token info field
func UserAgent() string {
	return "loxctl/" + Version
}
