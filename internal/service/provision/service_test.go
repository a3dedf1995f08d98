package provision

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/oshokin/sidecar-keeper/internal/config"
	"github.com/oshokin/sidecar-keeper/internal/domain/release"
	"github.com/oshokin/sidecar-keeper/internal/platform"
	"github.com/oshokin/sidecar-keeper/internal/service/download"
)

// fakeSidecarScript answers the version flag and otherwise records its environment and idles.
const fakeSidecarScript = `#!/bin/sh
if [ "$1" = "--version" ]; then
  echo "fake-sidecar version is 1.2.0"
  exit 0
fi
echo "device=$FAKE_DEVICE" > started.txt
exec sleep 30
`

// stubbornSidecarScript ignores SIGTERM so Stop has to kill it.
const stubbornSidecarScript = `#!/bin/sh
if [ "$1" = "--version" ]; then
  echo "1.2.0"
  exit 0
fi
trap '' TERM
while :; do sleep 1; done
`

// brokenSidecarScript fails the version check.
const brokenSidecarScript = `#!/bin/sh
exit 3
`

// fakeReleases serves a fixed latest release.
type fakeReleases struct {
	// latest is returned by Latest.
	latest *release.Release
	// err is returned by Latest when set.
	err error
	// calls counts Latest invocations.
	calls atomic.Int32
}

// Latest returns the configured release or error.
func (f *fakeReleases) Latest(context.Context, string, bool) (*release.Release, error) {
	f.calls.Inc()

	if f.err != nil {
		return nil, f.err
	}

	return f.latest, nil
}

// fakeInstaller records jobs and delegates to install.
type fakeInstaller struct {
	// calls counts DownloadAndInstall invocations.
	calls atomic.Int32
	// install performs the fake installation.
	install func(job download.Job) (string, error)
	// files counts DownloadFile invocations.
	files atomic.Int32
	// downloadFile performs the fake single file download.
	downloadFile func(sourceURL, destPath string) error
}

// DownloadAndInstall counts the call, emits one event and runs install.
func (f *fakeInstaller) DownloadAndInstall(_ context.Context, job download.Job, onEvent func(download.Event)) (string, error) {
	f.calls.Inc()

	if onEvent != nil {
		onEvent(download.Event{Kind: download.KindDownload, Label: job.Label, Percentage: 100})
	}

	return f.install(job)
}

// DownloadFile counts the call and runs downloadFile.
func (f *fakeInstaller) DownloadFile(
	_ context.Context,
	sourceURL, destPath string,
	_ int64,
	label string,
	onEvent func(download.Event),
) (string, error) {
	f.files.Inc()

	if onEvent != nil {
		onEvent(download.Event{Kind: download.KindDownload, Label: label, Percentage: 100})
	}

	if err := f.downloadFile(sourceURL, destPath); err != nil {
		return "", err
	}

	return destPath, nil
}

// skipOnWindows skips tests relying on POSIX shell scripts.
func skipOnWindows(t *testing.T) {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("shell script sidecars need a POSIX shell")
	}
}

// testSpec describes a fake sidecar living in dir.
func testSpec(dir string) Spec {
	return Spec{
		Sidecar: config.Sidecar{
			Name:        "fake",
			Repository:  "acme/fake",
			Executable:  "fake-sidecar",
			VersionFlag: "--version",
		},
		BinaryDir:      dir,
		Timeout:        time.Second,
		StopTimeout:    200 * time.Millisecond,
		VersionTimeout: 5 * time.Second,
	}
}

// latestRelease returns a release with one asset for the host platform.
func latestRelease(tag string) *release.Release {
	return &release.Release{
		Tag: tag,
		Assets: []release.Asset{{
			Name:        "fake-" + platform.Current().OSToken() + ".tar.gz",
			DownloadURL: "https://example.com/fake.tar.gz",
			Size:        1,
		}},
	}
}

// writeScript installs script as the sidecar executable in dir.
func writeScript(t *testing.T, dir, script string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fake-sidecar"), []byte(script), 0o755)) //nolint:gosec // Test executable.
}

// scriptInstaller writes script without the executable bit, like an archive extraction would.
func scriptInstaller(script string) *fakeInstaller {
	return &fakeInstaller{
		install: func(job download.Job) (string, error) {
			path := filepath.Join(job.DestinationDir, "fake-sidecar")
			if err := os.WriteFile(path, []byte(script), 0o644); err != nil { //nolint:gosec // Test file.
				return "", err
			}

			return job.DestinationDir, nil
		},
	}
}

// TestService_NeedsUpdate_AbsentExecutable verifies a missing binary needs an update
// without running it or resolving anything.
func TestService_NeedsUpdate_AbsentExecutable(t *testing.T) {
	t.Parallel()

	releases := &fakeReleases{latest: latestRelease("v1.0.0")}
	service := New(testSpec(t.TempDir()), Deps{Releases: releases})

	require.True(t, service.NeedsUpdate(context.Background()))
	require.Zero(t, releases.calls.Load())
}

// TestService_NeedsUpdate_ComparesVersions verifies the installed version is compared with the latest tag.
func TestService_NeedsUpdate_ComparesVersions(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	dir := t.TempDir()
	writeScript(t, dir, fakeSidecarScript)

	newer := New(testSpec(dir), Deps{Releases: &fakeReleases{latest: latestRelease("v1.3.0")}})
	require.True(t, newer.NeedsUpdate(context.Background()))

	same := New(testSpec(dir), Deps{Releases: &fakeReleases{latest: latestRelease("v1.2.0")}})
	require.False(t, same.NeedsUpdate(context.Background()))
	require.Equal(t, "1.2.0", same.Snapshot().Version)

	older := New(testSpec(dir), Deps{Releases: &fakeReleases{latest: latestRelease("v1.1.9")}})
	require.False(t, older.NeedsUpdate(context.Background()))
}

// TestService_NeedsUpdate_ResolverFailureKeepsBinary verifies metadata failures never force an update.
func TestService_NeedsUpdate_ResolverFailureKeepsBinary(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	dir := t.TempDir()
	writeScript(t, dir, fakeSidecarScript)

	service := New(testSpec(dir), Deps{Releases: &fakeReleases{err: errors.New("registry down")}})
	require.False(t, service.NeedsUpdate(context.Background()))
}

// TestService_NeedsUpdate_VersionCheckFailure verifies a crashing version check counts as outdated.
func TestService_NeedsUpdate_VersionCheckFailure(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	dir := t.TempDir()
	writeScript(t, dir, brokenSidecarScript)

	releases := &fakeReleases{latest: latestRelease("v1.0.0")}
	service := New(testSpec(dir), Deps{Releases: releases})

	require.True(t, service.NeedsUpdate(context.Background()))
	require.Zero(t, releases.calls.Load())
}

// TestService_Start_AdoptsExternalInstance verifies a healthy running instance skips provisioning.
func TestService_Start_AdoptsExternalInstance(t *testing.T) {
	t.Parallel()

	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("Ollama is running\n"))
	}))
	t.Cleanup(health.Close)

	spec := testSpec(t.TempDir())
	spec.HealthURL = health.URL
	spec.HealthBody = "Ollama is running"

	installer := scriptInstaller(fakeSidecarScript)
	service := New(spec, Deps{Releases: &fakeReleases{latest: latestRelease("v1")}, Installer: installer})

	running, err := service.Start(context.Background())
	require.NoError(t, err)
	require.True(t, running)
	require.True(t, service.Ready())
	require.True(t, service.Running())
	require.True(t, service.Snapshot().External)
	require.Zero(t, installer.calls.Load())

	select {
	case <-service.Installed():
	default:
		require.Fail(t, "installed channel must be closed")
	}

	require.NoError(t, service.Stop(context.Background()))
	require.False(t, service.Running())
	require.True(t, service.Ready())
}

// TestService_Start_InstallFailure verifies download errors reach the caller and readiness stays false.
func TestService_Start_InstallFailure(t *testing.T) {
	t.Parallel()

	health := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("something else"))
	}))
	t.Cleanup(health.Close)

	spec := testSpec(t.TempDir())
	spec.HealthURL = health.URL
	spec.HealthBody = "Ollama is running"

	installer := &fakeInstaller{
		install: func(download.Job) (string, error) {
			return "", download.ErrCorruptedDownload
		},
	}

	service := New(spec, Deps{Releases: &fakeReleases{latest: latestRelease("v1.0.0")}, Installer: installer})

	running, err := service.Start(context.Background())
	require.ErrorIs(t, err, download.ErrCorruptedDownload)
	require.False(t, running)
	require.False(t, service.Ready())
	require.False(t, service.Running())

	select {
	case <-service.Installed():
		require.Fail(t, "installed channel must stay open")
	default:
	}
}

// TestService_Start_CanceledContext verifies a canceled Start neither installs nor spawns.
func TestService_Start_CanceledContext(t *testing.T) {
	t.Parallel()

	releases := &fakeReleases{latest: latestRelease("v1.0.0")}
	installer := &fakeInstaller{
		install: func(download.Job) (string, error) {
			return "", nil
		},
	}

	service := New(testSpec(t.TempDir()), Deps{Releases: releases, Installer: installer})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	running, err := service.Start(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, running)
	require.Zero(t, releases.calls.Load())
	require.Zero(t, installer.calls.Load())
}

// TestService_Start_NoMatchingAsset verifies a release without a platform asset fails Start.
func TestService_Start_NoMatchingAsset(t *testing.T) {
	t.Parallel()

	releases := &fakeReleases{latest: &release.Release{
		Tag:    "v1.0.0",
		Assets: []release.Asset{{Name: "fake-plan9.tar.gz"}},
	}}

	service := New(testSpec(t.TempDir()), Deps{Releases: releases, Installer: scriptInstaller(fakeSidecarScript)})

	_, err := service.Start(context.Background())
	require.ErrorIs(t, err, release.ErrNoMatchingAsset)
}

// TestService_Start_InstallsSpawnsAndStops runs the whole lifecycle against a script sidecar.
func TestService_Start_InstallsSpawnsAndStops(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	dir := filepath.Join(t.TempDir(), "bin", "fake")

	spec := testSpec(dir)
	spec.AcceleratorEnv = "FAKE_DEVICE"
	spec.Accelerator = config.Accelerator{Available: true, DeviceID: "gpu-1"}

	exits := make(chan string, 1)
	installer := scriptInstaller(fakeSidecarScript)
	service := New(spec,
		Deps{Releases: &fakeReleases{latest: latestRelease("v1.2.0")}, Installer: installer},
		WithExitHook(func(name string, _ int) {
			exits <- name
		}),
	)

	running, err := service.Start(context.Background())
	require.NoError(t, err)
	require.True(t, running)
	require.True(t, service.Ready())
	require.True(t, service.Running())
	require.Positive(t, service.Snapshot().PID)
	require.Equal(t, "1.2.0", service.Snapshot().Version)

	// A second Start neither downloads nor spawns again.
	pid := service.Snapshot().PID
	running, err = service.Start(context.Background())
	require.NoError(t, err)
	require.True(t, running)
	require.Equal(t, int32(1), installer.calls.Load())
	require.Equal(t, pid, service.Snapshot().PID)

	// The accelerator pin reaches the child environment.
	startedFile := filepath.Join(dir, "started.txt")
	require.Eventually(t, func() bool {
		contents, readErr := os.ReadFile(startedFile)

		return readErr == nil && strings.TrimSpace(string(contents)) == "device=gpu-1"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, service.Stop(context.Background()))
	require.False(t, service.Running())

	select {
	case name := <-exits:
		require.Equal(t, "fake", name)
	case <-time.After(5 * time.Second):
		require.Fail(t, "exit hook was not called")
	}

	// Stop on a stopped service is a no-op.
	require.NoError(t, service.Stop(context.Background()))
}

// TestService_Start_InstallsMissingFiles verifies configured files are fetched once
// into the binary directory before the sidecar becomes ready.
func TestService_Start_InstallsMissingFiles(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	dir := t.TempDir()
	writeScript(t, dir, fakeSidecarScript)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "voices"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "voices", "present.onnx"), []byte("kept"), 0o600))

	spec := testSpec(dir)
	spec.Files = []config.File{
		{Path: "voices/present.onnx", URL: "https://example.com/present.onnx"},
		{Path: "voices/en/model.onnx", URL: "https://example.com/model.onnx", Size: 5},
	}

	var fetched []string

	installer := &fakeInstaller{
		downloadFile: func(sourceURL, destPath string) error {
			fetched = append(fetched, sourceURL)

			if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
				return err
			}

			return os.WriteFile(destPath, []byte("model"), 0o600)
		},
	}

	service := New(spec, Deps{Releases: &fakeReleases{latest: latestRelease("v1.2.0")}, Installer: installer})

	running, err := service.Start(context.Background())
	require.NoError(t, err)
	require.True(t, running)
	require.True(t, service.Ready())
	require.Equal(t, []string{"https://example.com/model.onnx"}, fetched)
	require.FileExists(t, filepath.Join(dir, "voices", "en", "model.onnx"))
	require.Zero(t, installer.calls.Load())

	require.NoError(t, service.Stop(context.Background()))
}

// TestService_Start_FileFailure verifies a failing file download keeps the sidecar unready and stopped.
func TestService_Start_FileFailure(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	dir := t.TempDir()
	writeScript(t, dir, fakeSidecarScript)

	spec := testSpec(dir)
	spec.Files = []config.File{{Path: "model.onnx", URL: "https://example.com/model.onnx"}}

	installer := &fakeInstaller{
		downloadFile: func(string, string) error {
			return download.ErrCorruptedDownload
		},
	}

	service := New(spec, Deps{Releases: &fakeReleases{latest: latestRelease("v1.2.0")}, Installer: installer})

	running, err := service.Start(context.Background())
	require.ErrorIs(t, err, download.ErrCorruptedDownload)
	require.False(t, running)
	require.False(t, service.Ready())
	require.False(t, service.Running())
	require.Equal(t, int32(1), installer.files.Load())
}

// TestService_Stop_KillsAfterTimeout verifies a sidecar ignoring SIGTERM is killed.
func TestService_Stop_KillsAfterTimeout(t *testing.T) {
	t.Parallel()
	skipOnWindows(t)

	dir := t.TempDir()
	writeScript(t, dir, stubbornSidecarScript)

	service := New(testSpec(dir), Deps{Releases: &fakeReleases{latest: latestRelease("v1.2.0")}})

	running, err := service.Start(context.Background())
	require.NoError(t, err)
	require.True(t, running)

	started := time.Now()

	require.NoError(t, service.Stop(context.Background()))
	require.False(t, service.Running())
	require.Less(t, time.Since(started), 10*time.Second)
	require.Equal(t, -1, service.Snapshot().ExitCode)
}

// TestService_Environment verifies sidecar variables and the accelerator pin.
func TestService_Environment(t *testing.T) {
	t.Parallel()

	spec := testSpec(t.TempDir())
	spec.Env = map[string]string{"OLLAMA_HOST": "127.0.0.1:11434", "A": "1"}
	spec.AcceleratorEnv = "CUDA_VISIBLE_DEVICES"

	withoutDevice := New(spec, Deps{}).environment()
	require.Contains(t, withoutDevice, "OLLAMA_HOST=127.0.0.1:11434")
	require.Contains(t, withoutDevice, "A=1")

	require.NotContains(t, withoutDevice, "CUDA_VISIBLE_DEVICES=GPU-42")

	spec.Accelerator = config.Accelerator{Available: true, DeviceID: "GPU-42"}
	require.Contains(t, New(spec, Deps{}).environment(), "CUDA_VISIBLE_DEVICES=GPU-42")
}

// TestFleet_Ready verifies the conjunction over services.
func TestFleet_Ready(t *testing.T) {
	t.Parallel()

	first := New(testSpec(t.TempDir()), Deps{})
	second := New(testSpec(t.TempDir()), Deps{})
	fleet := Fleet{first, second}

	require.True(t, Fleet{}.Ready())
	require.False(t, fleet.Ready())

	first.markReady(context.Background())
	require.False(t, fleet.Ready())

	second.markReady(context.Background())
	require.True(t, fleet.Ready())
	require.Len(t, fleet.Statuses(), 2)
	require.NoError(t, fleet.Stop(context.Background()))
}
