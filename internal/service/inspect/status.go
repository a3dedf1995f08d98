package inspect

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/sidecar-keeper/internal/config"
	"github.com/oshokin/sidecar-keeper/internal/logger"
	"github.com/oshokin/sidecar-keeper/internal/service/common"
)

// StatusOptions controls the status command.
type StatusOptions struct {
	// ConfigPath is read for the status address when Address is empty.
	ConfigPath string
	// Address of the keeper status server.
	Address string
	// Wait blocks until the keeper reports SERVING.
	Wait bool
	// JSON prints the raw snapshot.
	JSON bool
}

// Status prints the sidecar states reported by a running keeper.
func Status(ctx context.Context, opts *StatusOptions, out io.Writer) error {
	ctx = logger.WithName(ctx, "status")

	address := opts.Address
	if address == "" {
		address = config.DefaultStatusAddress

		if cfg, err := config.Load(opts.ConfigPath); err == nil {
			address = cfg.StatusAddress
		} else {
			logger.DebugKV(ctx, "Using default status address", "error", err)
		}
	}

	client, err := common.Dial(ctx, address)
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			logger.WarnKV(ctx, "Failed to close status client", "error", closeErr)
		}
	}()

	if opts.Wait {
		if err = client.WaitForHealth(ctx, ""); err != nil {
			return err
		}
	}

	snapshot, err := client.GetStatus(ctx)
	if err != nil {
		return err
	}

	if opts.JSON {
		data, marshalErr := protojson.MarshalOptions{Multiline: true}.Marshal(snapshot)
		if marshalErr != nil {
			return fmt.Errorf("marshal status: %w", marshalErr)
		}

		_, err = fmt.Fprintln(out, string(data))

		return err
	}

	return writeStatusTable(out, snapshot)
}

func writeStatusTable(out io.Writer, snapshot *structpb.Struct) error {
	fields := snapshot.GetFields()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "ready: %t\n\n", fields["ready"].GetBoolValue())
	fmt.Fprintln(w, "NAME\tREADY\tRUNNING\tEXTERNAL\tPID\tEXIT\tVERSION")

	for _, value := range fields["sidecars"].GetListValue().GetValues() {
		sidecar := value.GetStructValue().GetFields()

		fmt.Fprintf(w, "%s\t%t\t%t\t%t\t%d\t%d\t%s\n",
			sidecar["name"].GetStringValue(),
			sidecar["ready"].GetBoolValue(),
			sidecar["running"].GetBoolValue(),
			sidecar["external"].GetBoolValue(),
			int(sidecar["pid"].GetNumberValue()),
			int(sidecar["exit_code"].GetNumberValue()),
			sidecar["version"].GetStringValue(),
		)
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("write status: %w", err)
	}

	return nil
}
