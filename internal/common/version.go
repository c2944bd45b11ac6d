package common

import "fmt"

// Build-time identity, injected with -ldflags:
//
//	-X github.com/ternarybob/curo/internal/common.Version=1.2.3
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// GetVersion returns the release version.
func GetVersion() string {
	return Version
}

// GetBuild returns the build timestamp.
func GetBuild() string {
	return Build
}

// GetGitCommit returns the git commit the binary was built from.
func GetGitCommit() string {
	return GitCommit
}

// GetFullVersion returns the version with build metadata, as printed by the
// banner and the -version flag.
func GetFullVersion() string {
	return fmt.Sprintf("%s (build: %s, commit: %s)", Version, Build, GitCommit)
}
