package provision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/oshokin/sidecar-keeper/internal/config"
	"github.com/oshokin/sidecar-keeper/internal/domain/release"
	"github.com/oshokin/sidecar-keeper/internal/logger"
	"github.com/oshokin/sidecar-keeper/internal/platform"
	"github.com/oshokin/sidecar-keeper/internal/service/download"
)

// ReleaseSource resolves the latest release of a repository.
type ReleaseSource interface {
	Latest(ctx context.Context, repo string, skipNonRelease bool) (*release.Release, error)
}

// Installer fetches and unpacks release assets and fetches single files.
type Installer interface {
	DownloadAndInstall(ctx context.Context, job download.Job, onEvent func(download.Event)) (string, error)
	DownloadFile(
		ctx context.Context,
		sourceURL, destPath string,
		expectedSize int64,
		label string,
		onEvent func(download.Event),
	) (string, error)
}

// Reporter receives human-readable status lines.
type Reporter interface {
	Report(ctx context.Context, source, message string)
}

// Spec is everything a Service needs to know about its sidecar.
type Spec struct {
	config.Sidecar

	// BinaryDir is owned exclusively by this sidecar.
	BinaryDir string
	// Accelerator is the upstream device detection result.
	Accelerator config.Accelerator
	// Timeout bounds health checks.
	Timeout time.Duration
	// StopTimeout is how long Stop waits before killing the process.
	StopTimeout time.Duration
	// VersionTimeout bounds the version check.
	VersionTimeout time.Duration
}

// Deps are the collaborators of a Service.
type Deps struct {
	// Releases resolves the latest release.
	Releases ReleaseSource
	// Installer downloads and unpacks release assets.
	Installer Installer
	// Reporter receives status lines; may be nil.
	Reporter Reporter
	// Platform selects assets and executable names.
	Platform platform.Info
	// HTTPClient performs health checks; defaults to a client with Spec.Timeout.
	HTTPClient *http.Client
}

// Option configures a Service.
type Option func(*Service)

// WithExitHook registers a function called with the exit code whenever the
// spawned sidecar exits.
func WithExitHook(hook func(name string, exitCode int)) Option {
	return func(s *Service) {
		s.exitHook = hook
	}
}

// Status is a point-in-time view of a Service.
type Status struct {
	// Name identifies the sidecar.
	Name string `json:"name"`
	// Ready is true once the binary was confirmed.
	Ready bool `json:"ready"`
	// Running is true while the sidecar process is alive.
	Running bool `json:"running"`
	// External is true when an instance not spawned by the keeper answered the health check.
	External bool `json:"external"`
	// PID is the process id of the spawned sidecar, zero otherwise.
	PID int `json:"pid,omitempty"`
	// ExitCode is the last observed exit code, -1 when the sidecar never exited.
	ExitCode int `json:"exit_code"`
	// Version is the installed version, when known.
	Version string `json:"version,omitempty"`
}

// Service provisions and supervises one sidecar.
type Service struct {
	// spec describes the sidecar.
	spec Spec
	// deps are the collaborators.
	deps Deps
	// execPath is the full path of the sidecar executable.
	execPath string
	// exitHook is called after the spawned process exits.
	exitHook func(name string, exitCode int)

	// running is true while the sidecar runs, spawned or external.
	running atomic.Bool
	// ready flips false to true exactly once.
	ready atomic.Bool
	// installed is closed when ready flips.
	installed chan struct{}
	// readyOnce guards the ready transition.
	readyOnce sync.Once

	// startMu serializes Start and Stop.
	startMu sync.Mutex

	// procMu guards the fields below.
	procMu sync.Mutex
	// cmd is the spawned sidecar.
	cmd *exec.Cmd
	// exited is closed once cmd has been waited for.
	exited chan struct{}
	// external is set when the sidecar was already running.
	external bool
	// exitCode is the last observed exit code.
	exitCode int
	// version is the installed version.
	version string
}

const (
	// binaryDirPermissions is used for sidecar binary directories.
	binaryDirPermissions = 0o755
	// executablePermissions is applied to installed executables on POSIX.
	executablePermissions = 0o755
)

var (
	// ErrExecutableMissing is returned when an install does not produce the executable.
	ErrExecutableMissing = errors.New("sidecar executable missing after install")

	// errNoVersion is returned when the version check prints no version.
	errNoVersion = errors.New("no version in output")
)

// New creates a Service for the sidecar described by spec.
func New(spec Spec, deps Deps, opts ...Option) *Service {
	if spec.VersionFlag == "" {
		spec.VersionFlag = config.DefaultVersionFlag
	}

	if spec.Timeout <= 0 {
		spec.Timeout = config.DefaultTimeout
	}

	if spec.StopTimeout <= 0 {
		spec.StopTimeout = config.DefaultStopTimeout
	}

	if spec.VersionTimeout <= 0 {
		spec.VersionTimeout = config.DefaultVersionTimeout
	}

	if deps.Platform.OS == "" {
		deps.Platform = platform.Current()
	}

	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: spec.Timeout}
	}

	s := &Service{
		spec:      spec,
		deps:      deps,
		execPath:  filepath.Join(spec.BinaryDir, deps.Platform.ExecutableName(spec.Executable)),
		installed: make(chan struct{}),
		exitCode:  -1,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Name returns the sidecar name.
func (s *Service) Name() string {
	return s.spec.Name
}

// ExecPath returns the full path of the sidecar executable.
func (s *Service) ExecPath() string {
	return s.execPath
}

// Ready reports whether the binary was confirmed present and current.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// Running reports whether the sidecar is running.
func (s *Service) Running() bool {
	return s.running.Load()
}

// Installed is closed when the service becomes ready.
func (s *Service) Installed() <-chan struct{} {
	return s.installed
}

// Snapshot returns the current status.
func (s *Service) Snapshot() Status {
	s.procMu.Lock()
	defer s.procMu.Unlock()

	status := Status{
		Name:     s.spec.Name,
		Ready:    s.ready.Load(),
		Running:  s.running.Load(),
		External: s.external,
		ExitCode: s.exitCode,
		Version:  s.version,
	}

	if s.cmd != nil && s.cmd.Process != nil && status.Running {
		status.PID = s.cmd.Process.Pid
	}

	return status
}

// Start makes sure the sidecar binary is present and current, then runs it.
// It returns true when the sidecar runs afterwards. Calling Start on a running
// service does nothing. Provisioning errors are returned; a failing spawn is
// only logged because readiness has been reached by then.
func (s *Service) Start(ctx context.Context) (bool, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.running.Load() {
		return true, nil
	}

	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("start %s: %w", s.spec.Name, err)
	}

	ctx = logger.WithKV(logger.WithName(ctx, "provision"), "sidecar", s.spec.Name)

	// Setup: an instance started outside the keeper is adopted as is.
	if s.checkHealth(ctx) {
		s.procMu.Lock()
		s.external = true
		s.procMu.Unlock()

		s.running.Store(true)
		s.report(ctx, "Already running")
		s.markReady(ctx)

		return true, nil
	}

	s.report(ctx, "Checking for updates")

	needsUpdate, latest := s.needsUpdate(ctx)
	if needsUpdate {
		if err := s.install(ctx, latest); err != nil {
			s.report(ctx, "Installation failed: "+err.Error())

			return false, fmt.Errorf("install %s: %w", s.spec.Name, err)
		}
	}

	if _, err := os.Stat(s.execPath); err != nil {
		return false, fmt.Errorf("%s: %w", s.spec.Name, ErrExecutableMissing)
	}

	if err := s.ensureFiles(ctx); err != nil {
		s.report(ctx, "Installation failed: "+err.Error())

		return false, fmt.Errorf("install files of %s: %w", s.spec.Name, err)
	}

	s.markReady(ctx)

	if err := s.spawn(ctx); err != nil {
		logger.ErrorKV(ctx, "Failed to spawn sidecar", "error", err)
		s.report(ctx, "Failed to start: "+err.Error())

		return false, nil
	}

	return true, nil
}

// NeedsUpdate reports whether the installed binary is absent or older than
// the latest release. Version check failures count as outdated; resolver failures
// keep the installed binary.
func (s *Service) NeedsUpdate(ctx context.Context) bool {
	needsUpdate, _ := s.needsUpdate(ctx)

	return needsUpdate
}

func (s *Service) needsUpdate(ctx context.Context) (bool, *release.Release) {
	if _, err := os.Stat(s.execPath); err != nil {
		logger.InfoKV(ctx, "Sidecar executable not found", "path", s.execPath)

		return true, nil
	}

	installed, err := s.installedVersion(ctx)
	if err != nil {
		logger.WarnKV(ctx, "Version check failed, reinstalling", "error", err)

		return true, nil
	}

	s.procMu.Lock()
	s.version = installed
	s.procMu.Unlock()

	latest, err := s.deps.Releases.Latest(ctx, s.spec.Repository, s.spec.SkipNonReleaseTags)
	if err != nil {
		logger.WarnKV(ctx, "Release lookup failed, keeping installed binary", "installed", installed, "error", err)

		return false, nil
	}

	if release.CompareVersions(installed, latest.Tag) < 0 {
		logger.InfoKV(ctx, "Update available", "installed", installed, "latest", latest.Tag)

		return true, latest
	}

	logger.InfoKV(ctx, "Sidecar is up to date", "installed", installed, "latest", latest.Tag)

	return false, nil
}

// install fetches the asset of latest (resolved now when nil) into the binary directory.
func (s *Service) install(ctx context.Context, latest *release.Release) error {
	var err error

	if latest == nil {
		latest, err = s.deps.Releases.Latest(ctx, s.spec.Repository, s.spec.SkipNonReleaseTags)
		if err != nil {
			return fmt.Errorf("resolve latest release: %w", err)
		}
	}

	if err = os.MkdirAll(s.spec.BinaryDir, binaryDirPermissions); err != nil {
		return fmt.Errorf("create binary dir: %w", err)
	}

	if s.spec.TerminateStaleProcesses {
		if err = terminateStaleProcesses(ctx, filepath.Base(s.execPath)); err != nil {
			logger.WarnKV(ctx, "Failed to terminate stale processes", "error", err)
		}
	}

	asset, err := release.SelectAsset(latest.Assets, s.deps.Platform, s.spec.MatchArch)
	if err != nil {
		return fmt.Errorf("release %s for %s: %w", latest.Tag, s.deps.Platform, err)
	}

	logger.InfoKV(ctx, "Installing release", "tag", latest.Tag, "asset", asset.Name)
	s.report(ctx, fmt.Sprintf("Downloading %s %s", s.spec.Name, latest.Tag))

	installedPath, err := s.deps.Installer.DownloadAndInstall(ctx, download.Job{
		SourceURL:              asset.DownloadURL,
		DestinationDir:         s.spec.BinaryDir,
		ExpectedSize:           asset.Size,
		Label:                  s.spec.Name,
		FlattenSingleSubfolder: s.spec.FlattenSingleSubfolder,
		DiscardArchive:         true,
	}, func(event download.Event) {
		s.report(ctx, event.String())
	})
	if err != nil {
		return err
	}

	// A raw binary asset carries its platform suffix; give it the executable name.
	if info, statErr := os.Stat(installedPath); statErr == nil && !info.IsDir() && installedPath != s.execPath {
		if err = os.MkdirAll(filepath.Dir(s.execPath), binaryDirPermissions); err != nil {
			return fmt.Errorf("create executable dir: %w", err)
		}

		if err = os.Rename(installedPath, s.execPath); err != nil {
			return fmt.Errorf("rename %s: %w", filepath.Base(installedPath), err)
		}
	}

	if !s.deps.Platform.IsWindows() {
		if err = os.Chmod(s.execPath, executablePermissions); err != nil {
			return fmt.Errorf("%w: %w", ErrExecutableMissing, err)
		}
	}

	s.procMu.Lock()
	s.version = latest.Version()
	s.procMu.Unlock()

	s.report(ctx, fmt.Sprintf("Installed %s %s", s.spec.Name, latest.Tag))

	return nil
}

// ensureFiles downloads every configured file missing from the binary directory.
func (s *Service) ensureFiles(ctx context.Context) error {
	for _, file := range s.spec.Files {
		destPath := filepath.Join(s.spec.BinaryDir, filepath.FromSlash(file.Path))

		if _, err := os.Stat(destPath); err == nil {
			continue
		}

		logger.InfoKV(ctx, "Installing file", "path", file.Path)

		_, err := s.deps.Installer.DownloadFile(ctx, file.URL, destPath, file.Size, filepath.Base(destPath),
			func(event download.Event) {
				s.report(ctx, event.String())
			})
		if err != nil {
			return fmt.Errorf("%s: %w", file.Path, err)
		}
	}

	return nil
}

// markReady flips readiness once and releases Installed waiters.
func (s *Service) markReady(ctx context.Context) {
	s.readyOnce.Do(func() {
		s.ready.Store(true)
		close(s.installed)

		s.report(ctx, "Ready")
	})
}

func (s *Service) report(ctx context.Context, message string) {
	if s.deps.Reporter == nil {
		logger.InfoKV(ctx, message)

		return
	}

	s.deps.Reporter.Report(ctx, s.spec.Name, message)
}
