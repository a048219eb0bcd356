// Package buildinfo derives the kiwi version string from Go build
// metadata.
package buildinfo

import (
	"fmt"
	"runtime/debug"
)

// Version returns the version string for the current build: the module
// tag for tagged releases, or a "dev-<hash>[-dirty]" pseudo-version for
// development builds.
func Version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return devVersion(info)
}

// devVersion constructs a development version string from VCS settings.
func devVersion(info *debug.BuildInfo) string {
	var revision string
	var modified bool

	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}

	if revision == "" {
		return "dev"
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}

	version := fmt.Sprintf("dev-%s", revision)
	if modified {
		version += "-dirty"
	}
	return version
}
