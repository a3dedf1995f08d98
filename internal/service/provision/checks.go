package provision

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"

	"github.com/oshokin/sidecar-keeper/internal/domain/release"
	"github.com/oshokin/sidecar-keeper/internal/logger"
)

// maxHealthBody bounds how much of a health response is read.
const maxHealthBody = 4096

// checkHealth reports whether an instance already answers on the health URL.
// With a configured health body the trimmed response must match it exactly;
// otherwise any 2xx answer counts.
func (s *Service) checkHealth(ctx context.Context) bool {
	if s.spec.HealthURL == "" {
		return false
	}

	checkCtx, cancel := context.WithTimeout(ctx, s.spec.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, s.spec.HealthURL, http.NoBody)
	if err != nil {
		logger.WarnKV(ctx, "Invalid health URL", "url", s.spec.HealthURL, "error", err)

		return false
	}

	resp, err := s.deps.HTTPClient.Do(req)
	if err != nil {
		logger.DebugKV(ctx, "Health check failed", "error", err)

		return false
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return false
	}

	if s.spec.HealthBody == "" {
		return true
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	if err != nil {
		return false
	}

	return strings.TrimSpace(string(body)) == strings.TrimSpace(s.spec.HealthBody)
}

// installedVersion runs the executable with its version flag and parses stdout.
func (s *Service) installedVersion(ctx context.Context) (string, error) {
	// Create a context with timeout to avoid hanging.
	checkCtx, cancel := context.WithTimeout(ctx, s.spec.VersionTimeout)
	defer cancel()

	cmd := exec.CommandContext(checkCtx, s.execPath, s.spec.VersionFlag) //nolint:gosec // The executable is ours.
	cmd.Dir = s.spec.BinaryDir
	cmd.Env = s.environment()

	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("run %s %s: %w", s.execPath, s.spec.VersionFlag, err)
	}

	version := release.ExtractVersion(string(output))
	if version == "" {
		return "", errNoVersion
	}

	return version, nil
}
