// Package version carries the build-time version string, overridable with
// -ldflags "-X github.com/aclgate/aclgate/internal/version.Version=...".
package version

// Version is the released version string, set by the release pipeline.
var Version = "dev"
