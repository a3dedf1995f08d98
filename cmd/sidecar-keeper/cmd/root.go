package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/sidecar-keeper/internal/config"
	"github.com/oshokin/sidecar-keeper/internal/service/keeper"
	"github.com/oshokin/sidecar-keeper/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string
	// statusAddress overrides the configured gRPC status address.
	statusAddress string
	// splashAddress overrides the configured HTTP splash address.
	splashAddress string

	// rootCmd represents the base command for running the keeper.
	rootCmd = &cobra.Command{
		Use:   "sidecar-keeper",
		Short: "Provision, update and supervise sidecar executables.",
		Long: `Keeps the configured sidecar executables installed, current and running.

For every sidecar the keeper checks whether an instance already answers its
health URL, compares the installed version with the latest registry release,
downloads and unpacks a newer asset when needed and spawns the process.
Readiness is exposed over the gRPC health service and, optionally, an HTTP
splash surface. Sidecars are stopped when the keeper receives SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: runKeeper,
	}

	// runCmd runs the keeper explicitly.
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the keeper (default command).",
		Args:  cobra.NoArgs,
		RunE:  runKeeper,
	}
)

func runKeeper(_ *cobra.Command, _ []string) error {
	// Setup graceful shutdown handling.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	options := &keeper.Options{
		ConfigPath:    configPath,
		StatusAddress: statusAddress,
		SplashAddress: splashAddress,
	}

	return keeper.Run(ctx, options)
}

// Execute runs the sidecar-keeper CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().
		StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")

	for _, command := range []*cobra.Command{rootCmd, runCmd} {
		command.Flags().StringVar(&statusAddress, "status-addr", "", "override the gRPC status listen address")
		command.Flags().StringVar(&splashAddress, "splash-addr", "", "override the HTTP splash listen address")
	}

	rootCmd.AddCommand(runCmd, statusCmd, releasesCmd)
}
