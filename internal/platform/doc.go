// Package platform detects the host operating system and architecture and
// maps them to the tokens release assets are named with.
package platform
