// Package provision keeps one sidecar binary present, current and running.
//
// A Service checks for an already running instance, compares the installed
// binary's reported version with the latest release, installs a new build
// when needed and then supervises the sidecar as a child process. Readiness
// flips exactly once, after the binary is confirmed and before the spawn.
package provision
