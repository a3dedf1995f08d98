// Package common holds helpers shared by several services.
//
// It provides a lightweight gRPC client for the keeper status API with call
// timeouts and a health wait loop used by the CLI.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common
