package version

import (
	"runtime/debug"
)

// Version is injected at build time via -ldflags "-X profdiag/internal/version.Version=v1.2.3".
var Version = ""

// Value returns the most useful version string available.
// Preference order:
//  1. Build-time injected Version variable
//  2. Module version from the embedded build info, unless "(devel)"
//  3. VCS revision recorded by the Go toolchain
//  4. "dev"
func Value() string {
	if Version != "" {
		return Version
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				if len(setting.Value) > 12 {
					return setting.Value[:12]
				}
				return setting.Value
			}
		}
	}

	return "dev"
}

// UserAgent is sent on every outbound request to the metrics and profiling sources.
func UserAgent() string {
	return "profdiag/" + Value()
}
