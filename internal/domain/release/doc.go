// Package release holds the registry release model and the pure selection
// rules built on it: version ordering, latest-release choice and platform
// asset matching.
package release
