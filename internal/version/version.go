// Package version holds the build version printed by `bufferbloat version`.
package version

// Version is set at link time with
// -ldflags "-X github.com/NodePath81/bufferbloat/internal/version.Version=<tag>".
var Version = "dev"
