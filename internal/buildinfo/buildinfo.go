// Package buildinfo carries version metadata stamped at build time via
// -ldflags "-X dyntools/internal/buildinfo.Version=...".
package buildinfo

var (
	Version = "dev"
	Commit  = "unknown"
)
