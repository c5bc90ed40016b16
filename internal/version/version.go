// Package version holds build-time identifiers, overridden via -ldflags.
package version

var (
	// Version is the build tag or "dev" for local builds.
	Version = "dev"
	// Commit is the short VCS commit hash at build time.
	Commit = "unknown"
)
