// Package version reports which foreman build is running.
package version

import "runtime/debug"

// value is stamped by release builds:
// -ldflags "-X foreman/internal/version.value=v1.2.3".
var value = "" //nolint:gochecknoglobals // ldflags target

// String returns the stamped release version. Unstamped binaries fall back
// to the module version from the embedded build info, then to "dev".
func String() string {
	if value != "" {
		return value
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}
	return "dev"
}
