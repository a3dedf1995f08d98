// Package version exposes build metadata for sidecar-keeper.
//
// Version, Commit and BuildTime are injected at build time via Go ldflags.
// The same version string is sent as part of the registry User-Agent.
package version
