// Package splash collects human-readable startup status lines.
//
// Provisioning services report into a Hub; the HTTP splash surface and the
// gRPC status API read the latest line per source and follow new lines live.
package splash
