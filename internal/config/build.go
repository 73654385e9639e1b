package config

import (
	"os"
	"strings"
)

// Mode is the runtime mode of the bridge.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// EnvMode names the variable consulted for the mode of unpackaged builds.
const EnvMode = "SHELLBRIDGE_ENV"

// packaged is set at link time for release builds:
//
//	go build -ldflags "-X shellbridge/internal/config.packaged=true"
var packaged string

// IsPackaged reports whether this binary was built as a release package.
func IsPackaged() bool {
	return packaged == "true" || packaged == "1"
}

// ResolveMode picks the effective mode. Packaged builds are always
// production. Otherwise an explicit mode wins, then SHELLBRIDGE_ENV, and
// anything unrecognised falls back to production.
func ResolveMode(explicit Mode) Mode {
	if IsPackaged() {
		return ModeProduction
	}
	m := explicit
	if m == "" {
		m = Mode(strings.ToLower(os.Getenv(EnvMode)))
	}
	switch m {
	case ModeDevelopment, "dev":
		return ModeDevelopment
	default:
		return ModeProduction
	}
}
