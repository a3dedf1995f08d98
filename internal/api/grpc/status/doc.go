// Package status implements the gRPC transport for keeper status.
//
// It exposes the standard health service, with one entry per sidecar plus the
// empty service name for the whole fleet, and a small StatusService whose
// GetStatus method returns a structpb snapshot of every sidecar.
package status
