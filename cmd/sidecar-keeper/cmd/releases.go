package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/sidecar-keeper/internal/service/inspect"
)

var (
	// noCache bypasses the release cache.
	noCache bool
	// latestOnly prints only the newest release.
	latestOnly bool
	// skipNonRelease ignores tags not starting with "v".
	skipNonRelease bool

	// releasesCmd lists the releases of a repository.
	releasesCmd = &cobra.Command{
		Use:   "releases <owner/repo>",
		Short: "List the releases of a repository, newest first.",
		Args:  cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &inspect.ReleasesOptions{
				ConfigPath:     configPath,
				Repository:     args[0],
				NoCache:        noCache,
				Latest:         latestOnly,
				SkipNonRelease: skipNonRelease,
			}

			return inspect.Releases(ctx, options, command.OutOrStdout())
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	releasesCmd.Flags().BoolVar(&noCache, "no-cache", false, "bypass the release cache")
	releasesCmd.Flags().BoolVarP(&latestOnly, "latest", "l", false, "print only the newest release")
	releasesCmd.Flags().BoolVar(&skipNonRelease, "skip-non-release", false, "ignore tags not starting with v")
}
