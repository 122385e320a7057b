// Package version carries build information for the overseer binary.
// The variables are set at build time via ldflags, e.g.
// go build -ldflags "-X overseer/pkg/version.Version=v1.2.3".
package version

//nolint:gochecknoglobals // package-level vars are required for ldflags injection
var (
	// Version is the semantic version, or "dev" for development builds.
	Version = "dev"

	// Commit is the git commit SHA of the build.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)
