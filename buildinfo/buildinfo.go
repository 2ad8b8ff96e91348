// Package buildinfo contains application metadata that can be set at build time.
//
// For release builds, use ldflags to set the version:
//
//	go build -ldflags "-X github.com/keywarden/hww-agent/buildinfo.Version=1.0.0"
//
// Or set multiple values:
//
//	go build -ldflags "\
//	  -X github.com/keywarden/hww-agent/buildinfo.Version=1.0.0 \
//	  -X github.com/keywarden/hww-agent/buildinfo.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/keywarden/hww-agent/buildinfo.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package buildinfo

import "fmt"

// Application metadata - can be overridden at build time via ldflags
var (
	// Name is the technical application name
	Name = "hww-agent"

	// DirName is the name of the config directory within user config paths
	DirName = "hww-agent"

	// DisplayName is the user-friendly name (used for UI, mDNS, titles)
	DisplayName = "Hardware Wallet Agent"

	// Description is a short description of the application
	Description = "Hardware wallet bridge agent with WebSocket command surface"

	// Version is the semantic version (set via ldflags for releases)
	Version = "dev"

	// Commit is the git commit hash (set via ldflags)
	Commit = ""

	// BuildTime is the build timestamp (set via ldflags)
	BuildTime = ""
)

// FullVersion returns the version string with optional commit info.
// Examples:
//   - "dev" (development build)
//   - "1.0.0" (release build)
//   - "1.0.0 (abc1234)" (release build with commit)
func FullVersion() string {
	if Commit != "" {
		return fmt.Sprintf("%s (%s)", Version, Commit)
	}
	return Version
}

// UserAgent returns a user agent string for HTTP requests.
// Example: "hww-agent/1.0.0"
func UserAgent() string {
	return fmt.Sprintf("%s/%s", Name, Version)
}
