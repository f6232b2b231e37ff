// Package version carries build metadata injected with -ldflags.
package version

import "fmt"

var (
	// Version is the release version of the selfcal binary
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build metadata for the version command.
func String() string {
	return fmt.Sprintf("selfcal version %s (%s, built %s)", Version, GitSHA, BuildTime)
}
