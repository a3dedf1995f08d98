package provision

import (
	"context"
	"fmt"
	"os"

	ps "github.com/mitchellh/go-ps"

	"github.com/oshokin/sidecar-keeper/internal/logger"
)

// terminateStaleProcesses kills leftover processes running the executable so
// the binary can be replaced.
func terminateStaleProcesses(ctx context.Context, executable string) error {
	processList, err := ps.Processes()
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}

	thisProcessID := os.Getpid()

	for _, process := range processList {
		if process.Pid() == thisProcessID || process.Executable() != executable {
			continue
		}

		var runningProcess *os.Process

		runningProcess, err = os.FindProcess(process.Pid())
		if err != nil {
			return fmt.Errorf("find process %d: %w", process.Pid(), err)
		}

		if err = runningProcess.Kill(); err != nil {
			return fmt.Errorf("kill process %d: %w", process.Pid(), err)
		}

		logger.InfoKV(ctx, "Terminated stale process", "pid", process.Pid(), "executable", executable)
	}

	return nil
}
