package inspect

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"

	"github.com/oshokin/sidecar-keeper/internal/config"
	"github.com/oshokin/sidecar-keeper/internal/domain/release"
	"github.com/oshokin/sidecar-keeper/internal/logger"
	"github.com/oshokin/sidecar-keeper/internal/repository/releasecache"
	"github.com/oshokin/sidecar-keeper/internal/service/resolver"
)

// ReleasesOptions controls the releases command.
type ReleasesOptions struct {
	// ConfigPath supplies the registry, token and cache settings.
	ConfigPath string
	// Repository is the owner/name identifier.
	Repository string
	// NoCache bypasses the release cache.
	NoCache bool
	// Latest prints only the newest release.
	Latest bool
	// SkipNonRelease ignores tags not starting with "v" for Latest.
	SkipNonRelease bool
}

// Releases prints the releases of a repository, newest first.
func Releases(ctx context.Context, opts *ReleasesOptions, out io.Writer) error {
	ctx = logger.WithKV(logger.WithName(ctx, "releases"), "repository", opts.Repository)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	r := resolver.New(releasecache.NewFileRepository(cfg.CacheDir()),
		resolver.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		resolver.WithBaseURL(cfg.RegistryURL),
		resolver.WithUserAgent(cfg.UserAgent),
		resolver.WithToken(cfg.RegistryToken),
		resolver.WithTTL(cfg.CacheTTL),
	)

	var callOpts []resolver.CallOption
	if opts.NoCache {
		callOpts = append(callOpts, resolver.WithBypassCache())
	}

	releases, err := r.Releases(ctx, opts.Repository, callOpts...)
	if err != nil {
		return err
	}

	if opts.Latest {
		latest, latestErr := release.Latest(releases, opts.SkipNonRelease)
		if latestErr != nil {
			return latestErr
		}

		releases = []release.Release{latest}
	}

	return writeReleases(out, releases)
}

func writeReleases(out io.Writer, releases []release.Release) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "TAG\tVERSION\tPUBLISHED\tASSETS")

	for _, rel := range releases {
		published := "-"
		if !rel.PublishedAt.IsZero() {
			published = rel.PublishedAt.UTC().Format("2006-01-02")
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", rel.Tag, rel.Version(), published, len(rel.Assets))
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("write releases: %w", err)
	}

	return nil
}
