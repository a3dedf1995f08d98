package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/sidecar-keeper/internal/service/inspect"
)

var (
	// waitServing blocks until the keeper reports SERVING.
	waitServing bool
	// statusJSON prints the raw snapshot.
	statusJSON bool

	// statusCmd queries a running keeper.
	statusCmd = &cobra.Command{
		Use:   "status [address]",
		Short: "Print the sidecar states reported by a running keeper.",
		Long: `Dials the keeper gRPC status service and prints one line per sidecar.

The address defaults to status_addr from the configuration file.
With --wait the command blocks until every sidecar is ready.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(command *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			var address string
			if len(args) > 0 {
				address = args[0]
			}

			options := &inspect.StatusOptions{
				ConfigPath: configPath,
				Address:    address,
				Wait:       waitServing,
				JSON:       statusJSON,
			}

			return inspect.Status(ctx, options, command.OutOrStdout())
		},
	}
)

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	statusCmd.Flags().BoolVarP(&waitServing, "wait", "w", false, "wait until the keeper reports SERVING")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw JSON snapshot")
}
