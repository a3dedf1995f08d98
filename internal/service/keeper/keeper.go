package keeper

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	apistatus "github.com/oshokin/sidecar-keeper/internal/api/grpc/status"
	apisplash "github.com/oshokin/sidecar-keeper/internal/api/http/splash"
	"github.com/oshokin/sidecar-keeper/internal/config"
	"github.com/oshokin/sidecar-keeper/internal/logger"
	"github.com/oshokin/sidecar-keeper/internal/platform"
	"github.com/oshokin/sidecar-keeper/internal/repository/releasecache"
	"github.com/oshokin/sidecar-keeper/internal/service/barrier"
	"github.com/oshokin/sidecar-keeper/internal/service/download"
	"github.com/oshokin/sidecar-keeper/internal/service/provision"
	"github.com/oshokin/sidecar-keeper/internal/service/resolver"
	"github.com/oshokin/sidecar-keeper/internal/service/splash"
)

// Options controls the keeper process.
type Options struct {
	// ConfigPath specifies the path to settings YAML file.
	ConfigPath string
	// StatusAddress overrides the configured gRPC status address.
	StatusAddress string
	// SplashAddress overrides the configured HTTP splash address.
	SplashAddress string
}

// keeper holds the wired components of a run.
type keeper struct {
	// cfg is the validated configuration.
	cfg *config.Config
	// fleet is one provisioning service per sidecar.
	fleet provision.Fleet
	// hub collects status lines.
	hub *splash.Hub
	// status serves gRPC health and status.
	status *apistatus.Server
}

// Run provisions every configured sidecar, serves status until ctx is done,
// then stops the sidecars.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "sidecar-keeper")

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	if opts.StatusAddress != "" {
		cfg.StatusAddress = opts.StatusAddress
	}

	if opts.SplashAddress != "" {
		cfg.SplashAddress = opts.SplashAddress
	}

	if level, ok := logger.ParseLogLevel(cfg.LogLevel); ok {
		logger.SetLevel(level)
	}

	info, err := platform.Detect(ctx)
	if err != nil {
		return fmt.Errorf("detect platform: %w", err)
	}

	logger.InfoKV(ctx, "Platform detected", "platform", info.String())

	return newKeeper(cfg, info).run(ctx)
}

// newKeeper builds the components described by cfg.
func newKeeper(cfg *config.Config, info platform.Info) *keeper {
	cache := releasecache.NewFileRepository(cfg.CacheDir())

	releases := resolver.New(cache,
		resolver.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
		resolver.WithBaseURL(cfg.RegistryURL),
		resolver.WithUserAgent(cfg.UserAgent),
		resolver.WithToken(cfg.RegistryToken),
		resolver.WithTTL(cfg.CacheTTL),
	)

	engine := download.New(download.WithUserAgent(cfg.UserAgent))

	k := &keeper{
		cfg:   cfg,
		fleet: make(provision.Fleet, 0, len(cfg.Sidecars)),
		hub:   splash.NewHub(),
	}

	names := make([]string, 0, len(cfg.Sidecars))

	for _, sidecar := range cfg.Sidecars {
		spec := provision.Spec{
			Sidecar:        sidecar,
			BinaryDir:      cfg.BinaryDir(sidecar.Name),
			Accelerator:    cfg.Accelerator,
			Timeout:        cfg.Timeout,
			StopTimeout:    cfg.StopTimeout,
			VersionTimeout: cfg.VersionTimeout,
		}

		deps := provision.Deps{
			Releases:  releases,
			Installer: engine,
			Reporter:  k.hub,
			Platform:  info,
		}

		k.fleet = append(k.fleet, provision.New(spec, deps, provision.WithExitHook(k.onExit)))
		names = append(names, sidecar.Name)
	}

	k.status = apistatus.NewServer(k.fleet, k.hub, names)

	return k
}

// onExit marks an exited sidecar as not serving.
func (k *keeper) onExit(name string, _ int) {
	k.status.MarkExited(name)
}

// run serves status, awaits readiness and blocks until ctx is done.
func (k *keeper) run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Servers outlive runCtx so status stays visible while sidecars stop.
	serverCtx, stopServers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopServers()

	serverErrs := make(chan error, 2)

	var servers sync.WaitGroup

	servers.Go(func() {
		if err := k.status.Run(serverCtx, k.cfg.StatusAddress); err != nil {
			serverErrs <- fmt.Errorf("status server: %w", err)
		}
	})

	if k.cfg.SplashAddress != "" {
		splashServer := apisplash.NewServer(k.fleet, k.hub)

		servers.Go(func() {
			if err := splashServer.Run(serverCtx, k.cfg.SplashAddress); err != nil {
				serverErrs <- fmt.Errorf("splash server: %w", err)
			}
		})
	}

	members := make([]barrier.Member, 0, len(k.fleet))
	for _, service := range k.fleet {
		members = append(members, service)
	}

	readiness := make(chan error, 1)

	go func() {
		_, err := barrier.AwaitAllReady(runCtx, members, barrier.WithReadyHook(k.status.MarkReady))
		readiness <- err
	}()

	var runErr error

loop:
	for {
		select {
		case err := <-readiness:
			readiness = nil

			if err != nil {
				if runCtx.Err() == nil {
					runErr = fmt.Errorf("await sidecars: %w", err)
				}

				break loop
			}

			logger.InfoKV(ctx, "All sidecars ready", "sidecars", len(k.fleet))
		case err := <-serverErrs:
			runErr = err

			break loop
		case <-runCtx.Done():
			break loop
		}
	}

	cancel()

	k.shutdown(ctx)

	stopServers()
	servers.Wait()

	return runErr
}

// shutdown stops every sidecar, killing those exceeding the stop timeout.
func (k *keeper) shutdown(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*k.cfg.StopTimeout)
	defer cancel()

	logger.Info(ctx, "Stopping sidecars")

	if err := k.fleet.Stop(stopCtx); err != nil {
		logger.ErrorKV(ctx, "Failed to stop sidecars", "error", err)
	}
}
