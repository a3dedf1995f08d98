package provision

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"os/exec"
	"slices"
	"syscall"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/oshokin/sidecar-keeper/internal/logger"
)

// spawn launches the sidecar and starts its exit watcher.
func (s *Service) spawn(ctx context.Context) error {
	// The process outlives Start, so its logging must not depend on ctx cancellation.
	procCtx := logger.WithName(context.WithoutCancel(ctx), "process")

	cmd := exec.Command(s.execPath, s.spec.Args...) //nolint:gosec,noctx // Lifetime is managed by Stop.
	cmd.Dir = s.spec.BinaryDir
	cmd.Env = s.environment()
	cmd.WaitDelay = s.spec.StopTimeout

	stdout := logger.NewLineWriter(logger.WithKV(procCtx, "stream", "stdout"), zapcore.InfoLevel)
	stderr := logger.NewLineWriter(logger.WithKV(procCtx, "stream", "stderr"), zapcore.WarnLevel)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		s.running.Store(false)

		return fmt.Errorf("start %s: %w", s.execPath, err)
	}

	exited := make(chan struct{})

	s.procMu.Lock()
	s.cmd = cmd
	s.exited = exited
	s.external = false
	s.procMu.Unlock()

	s.running.Store(true)

	logger.InfoKV(ctx, "Sidecar started", "pid", cmd.Process.Pid, "args", s.spec.Args)
	s.report(ctx, "Running")

	go func() {
		defer close(exited)

		err := cmd.Wait()

		stdout.Flush()
		stderr.Flush()

		exitCode := cmd.ProcessState.ExitCode()

		s.procMu.Lock()
		s.exitCode = exitCode
		s.procMu.Unlock()

		s.running.Store(false)

		logger.InfoKV(procCtx, "Sidecar exited", "code", exitCode, "error", err)
		s.report(procCtx, fmt.Sprintf("Exited with code %d", exitCode))

		if s.exitHook != nil {
			s.exitHook(s.spec.Name, exitCode)
		}
	}()

	return nil
}

// Stop terminates the spawned sidecar and waits for it to exit, killing it
// after the stop timeout. An adopted external instance is only marked as not
// running. Stop on a service that is not running does nothing.
func (s *Service) Stop(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if !s.running.Load() {
		return nil
	}

	s.procMu.Lock()
	cmd, exited, external := s.cmd, s.exited, s.external
	s.procMu.Unlock()

	if external || cmd == nil {
		s.running.Store(false)

		return nil
	}

	ctx = logger.WithKV(logger.WithName(ctx, "provision"), "sidecar", s.spec.Name)

	if err := s.terminate(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		logger.WarnKV(ctx, "Failed to signal sidecar", "error", err)
	}

	timer := time.NewTimer(s.spec.StopTimeout)
	defer timer.Stop()

	select {
	case <-exited:
		return nil
	case <-timer.C:
		logger.WarnKV(ctx, "Sidecar did not stop in time, killing", "timeout", s.spec.StopTimeout)
	case <-ctx.Done():
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", s.spec.Name, err)
	}

	<-exited

	return nil
}

// terminate asks the process to exit. Windows has no SIGTERM, so it is killed.
func (s *Service) terminate(cmd *exec.Cmd) error {
	if s.deps.Platform.IsWindows() {
		return cmd.Process.Kill()
	}

	return cmd.Process.Signal(syscall.SIGTERM)
}

// environment is the host environment plus sidecar variables and the
// accelerator pin.
func (s *Service) environment() []string {
	env := os.Environ()

	for _, key := range slices.Sorted(maps.Keys(s.spec.Env)) {
		env = append(env, key+"="+s.spec.Env[key])
	}

	accelerator := s.spec.Accelerator
	if accelerator.Available && accelerator.DeviceID != "" && s.spec.AcceleratorEnv != "" {
		env = append(env, s.spec.AcceleratorEnv+"="+accelerator.DeviceID)
	}

	return env
}
