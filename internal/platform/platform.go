package platform

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
)

// Info describes the host a sidecar binary has to run on.
type Info struct {
	// OS is the Go operating system name (runtime.GOOS).
	OS string
	// Arch is the Go architecture name (runtime.GOARCH).
	Arch string
	// Platform is the distribution or product name reported by the host, if known.
	Platform string
	// Family is the platform family reported by the host, if known.
	Family string
	// Version is the platform version reported by the host, if known.
	Version string
}

// Current returns OS and architecture of the running binary without host inspection.
func Current() Info {
	return Info{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
	}
}

// Detect returns Current enriched with gopsutil host information.
// Detection failures are not fatal: OS and architecture are always known.
func Detect(ctx context.Context) (Info, error) {
	info := Current()

	platform, family, version, err := host.PlatformInformationWithContext(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return info, fmt.Errorf("platform detection cancelled: %w", ctx.Err())
		}

		return info, nil
	}

	info.Platform = strings.TrimSpace(platform)
	info.Family = strings.TrimSpace(family)
	info.Version = strings.TrimSpace(version)

	return info, nil
}

// OSToken returns the identifier release assets use for this operating system.
func (i Info) OSToken() string {
	switch i.OS {
	case "windows":
		return "windows"
	case "darwin":
		return "darwin"
	case "linux":
		return "linux"
	default:
		return strings.ToLower(i.OS)
	}
}

// ArchAliases returns the spellings asset names use for this architecture.
func (i Info) ArchAliases() []string {
	switch i.Arch {
	case "amd64":
		return []string{"amd64", "x86_64", "x64"}
	case "arm64":
		return []string{"arm64", "aarch64"}
	default:
		return []string{strings.ToLower(i.Arch)}
	}
}

// IsWindows reports whether executables need the .exe extension.
func (i Info) IsWindows() bool {
	return i.OS == "windows"
}

// ExecutableName appends the platform executable extension to base.
func (i Info) ExecutableName(base string) string {
	if i.IsWindows() && !strings.HasSuffix(strings.ToLower(base), ".exe") {
		return base + ".exe"
	}

	return base
}

// String renders the info for logs.
func (i Info) String() string {
	if i.Platform == "" {
		return i.OS + "/" + i.Arch
	}

	return fmt.Sprintf("%s/%s (%s %s)", i.OS, i.Arch, i.Platform, i.Version)
}
