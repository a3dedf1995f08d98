// Package resolver fetches release lists from the registry.
//
// Every lookup goes to the registry with a conditional request when a fresh
// cache entry exists; the cached list answers 304 responses and stands in for
// the registry when it is unreachable or failing.
package resolver
