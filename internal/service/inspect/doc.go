// Package inspect implements the read-only CLI commands: querying a running
// keeper over gRPC and listing the releases of a repository.
package inspect
