// Package version holds build-time version metadata, injected via -ldflags.
package version

var (
	// Version is the semantic version or git describe output.
	Version = "dev"
	// Commit is the git commit SHA of the build.
	Commit = "unknown"
)
