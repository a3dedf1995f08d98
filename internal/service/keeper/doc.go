// Package keeper wires configuration, release resolution, artifact
// installation and sidecar supervision into one long-running process.
package keeper
