package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/sidecar-keeper/internal/version"
)

// Config holds the keeper settings shared by every sidecar.
type Config struct {
	// DataDir is the root for binaries and the release cache.
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`
	// RegistryURL is the base URL of the release registry API.
	RegistryURL string `yaml:"registry_url" env:"REGISTRY_URL"`
	// RegistryToken is an optional bearer token for the registry API.
	RegistryToken string `yaml:"registry_token,omitempty" env:"REGISTRY_TOKEN"`
	// UserAgent is sent with every registry and artifact request.
	UserAgent string `yaml:"user_agent" env:"USER_AGENT"`
	// StatusAddress is where the gRPC health and status service listens.
	StatusAddress string `yaml:"status_addr" env:"STATUS_ADDR"`
	// SplashAddress is where the HTTP splash surface listens; empty disables it.
	SplashAddress string `yaml:"splash_addr,omitempty" env:"SPLASH_ADDR"`
	// Timeout bounds registry requests and health checks.
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
	// CacheTTL is how long a resolved release list stays fresh.
	CacheTTL time.Duration `yaml:"cache_ttl" env:"CACHE_TTL"`
	// StopTimeout is how long Stop waits for a sidecar to exit before killing it.
	StopTimeout time.Duration `yaml:"stop_timeout" env:"STOP_TIMEOUT"`
	// VersionTimeout bounds the installed binary version check.
	VersionTimeout time.Duration `yaml:"version_timeout" env:"VERSION_TIMEOUT"`
	// LogLevel is the minimum level of emitted log records.
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`
	// Accelerator is the upstream GPU detection result.
	Accelerator Accelerator `yaml:"accelerator" envPrefix:"ACCELERATOR_"`
	// Sidecars lists the managed executables.
	Sidecars []Sidecar `yaml:"sidecars"`
}

// Accelerator is the boolean+identifier pair produced by GPU capability detection.
type Accelerator struct {
	// Available reports whether an eligible device was detected.
	Available bool `yaml:"available" env:"AVAILABLE"`
	// DeviceID is the identifier the sidecar should be pinned to.
	DeviceID string `yaml:"device_id" env:"DEVICE_ID"`
}

// Sidecar describes one managed executable and where its releases come from.
type Sidecar struct {
	// Name identifies the sidecar and its binary directory.
	Name string `yaml:"name"`
	// Repository is the registry identifier in owner/name form.
	Repository string `yaml:"repository"`
	// Executable is the binary file name without platform extension.
	Executable string `yaml:"executable"`
	// Args are passed to the sidecar on spawn.
	Args []string `yaml:"args,omitempty"`
	// Env is added on top of the inherited host environment.
	Env map[string]string `yaml:"env,omitempty"`
	// VersionFlag makes the executable print its version.
	VersionFlag string `yaml:"version_flag"`
	// HealthURL is checked to detect an already running instance.
	HealthURL string `yaml:"health_url,omitempty"`
	// HealthBody is the exact trimmed body a healthy instance answers with.
	HealthBody string `yaml:"health_body,omitempty"`
	// SkipNonReleaseTags limits the latest release to tags starting with "v".
	SkipNonReleaseTags bool `yaml:"skip_non_release_tags"`
	// MatchArch prefers assets naming the host architecture.
	MatchArch bool `yaml:"match_arch"`
	// FlattenSingleSubfolder strips the wrapping folder some archives carry.
	FlattenSingleSubfolder bool `yaml:"flatten_single_subfolder"`
	// AcceleratorEnv is the variable pinning the process to the accelerator device.
	AcceleratorEnv string `yaml:"accelerator_env,omitempty"`
	// TerminateStaleProcesses kills leftover processes of this executable before an update.
	TerminateStaleProcesses bool `yaml:"terminate_stale_processes"`
	// Files are extra single-file artifacts, such as models, installed next to the binary.
	Files []File `yaml:"files,omitempty"`
}

// File is a single-file artifact fetched once into the sidecar binary directory.
type File struct {
	// Path is relative to the sidecar binary directory.
	Path string `yaml:"path"`
	// URL is the download location.
	URL string `yaml:"url"`
	// Size is the expected size in bytes; zero trusts Content-Length.
	Size int64 `yaml:"size,omitempty"`
}

const (
	// DefaultConfigFilename is the default filename for keeper settings.
	DefaultConfigFilename = "sidecar-keeper.yaml"

	// DefaultRegistryURL is the public GitHub REST API.
	DefaultRegistryURL = "https://api.github.com"

	// DefaultStatusAddress is the loopback address of the gRPC status service.
	DefaultStatusAddress = "127.0.0.1:7431"

	// DefaultTimeout is the default duration for registry requests and health checks.
	DefaultTimeout = 5 * time.Second

	// DefaultCacheTTL is the release cache lifetime.
	DefaultCacheTTL = 4 * time.Hour

	// DefaultStopTimeout is the grace period given to a sidecar on stop.
	DefaultStopTimeout = 5 * time.Second

	// DefaultVersionTimeout bounds the version check.
	DefaultVersionTimeout = 10 * time.Second

	// DefaultVersionFlag is passed to executables to print their version.
	DefaultVersionFlag = "--version"

	// DefaultLogLevel is used when no level is configured.
	DefaultLogLevel = "info"

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	// envPrefix is prepended to every environment override.
	envPrefix = "SIDECAR_KEEPER_"
)

var (
	// ErrNoSidecars is returned when the configuration manages nothing.
	ErrNoSidecars = errors.New("at least one sidecar must be configured")

	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errSidecarName is returned for empty or duplicate sidecar names.
	errSidecarName = errors.New("sidecar name must be unique and non-empty")
	// errRepository is returned for repositories not in owner/name form.
	errRepository = errors.New("repository must be in owner/name form")
	// errExecutable is returned when a sidecar has no executable.
	errExecutable = errors.New("sidecar executable must be provided")
	// errFilePath is returned for file paths leaving the binary directory.
	errFilePath = errors.New("file path must be relative and stay inside the binary directory")
)

// Load reads configuration from the provided path, applies environment
// overrides and validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err = yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err = ApplyEnv(&cfg); err != nil {
		return nil, err
	}

	if err = Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyEnv overrides settings from SIDECAR_KEEPER_* environment variables.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	return nil
}

// Save writes settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions, the file may carry a registry token.
	if err = os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings and fills defaults for empty fields.
//
//nolint:cyclop // A flat list of checks reads better than a split.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if err := applyDefaults(cfg); err != nil {
		return err
	}

	if _, err := url.ParseRequestURI(cfg.RegistryURL); err != nil {
		return fmt.Errorf("invalid registry URL: %w", err)
	}

	if _, err := net.ResolveTCPAddr("tcp", cfg.StatusAddress); err != nil {
		return fmt.Errorf("invalid status address: %w", err)
	}

	if cfg.SplashAddress != "" {
		if _, err := net.ResolveTCPAddr("tcp", cfg.SplashAddress); err != nil {
			return fmt.Errorf("invalid splash address: %w", err)
		}
	}

	if len(cfg.Sidecars) == 0 {
		return ErrNoSidecars
	}

	seen := make(map[string]struct{}, len(cfg.Sidecars))

	for i := range cfg.Sidecars {
		sidecar := &cfg.Sidecars[i]

		if _, dup := seen[sidecar.Name]; dup || strings.TrimSpace(sidecar.Name) == "" {
			return fmt.Errorf("sidecar %d %q: %w", i, sidecar.Name, errSidecarName)
		}

		seen[sidecar.Name] = struct{}{}

		if err := validateSidecar(sidecar); err != nil {
			return fmt.Errorf("sidecar %q: %w", sidecar.Name, err)
		}
	}

	return nil
}

// BinaryDir returns the directory owned by the named sidecar.
func (c *Config) BinaryDir(name string) string {
	return filepath.Join(c.DataDir, "bin", name)
}

// CacheDir returns the directory holding release cache files.
func (c *Config) CacheDir() string {
	return filepath.Join(c.DataDir, "cache", "releases")
}

func applyDefaults(cfg *Config) error {
	if cfg.DataDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return fmt.Errorf("resolve data dir: %w", err)
		}

		cfg.DataDir = filepath.Join(base, "sidecar-keeper")
	}

	if cfg.RegistryURL == "" {
		cfg.RegistryURL = DefaultRegistryURL
	}

	if cfg.UserAgent == "" {
		cfg.UserAgent = "sidecar-keeper/" + version.Short()
	}

	if cfg.StatusAddress == "" {
		cfg.StatusAddress = DefaultStatusAddress
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}

	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}

	if cfg.VersionTimeout <= 0 {
		cfg.VersionTimeout = DefaultVersionTimeout
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	for i := range cfg.Sidecars {
		if cfg.Sidecars[i].VersionFlag == "" {
			cfg.Sidecars[i].VersionFlag = DefaultVersionFlag
		}
	}

	return nil
}

func validateSidecar(sidecar *Sidecar) error {
	owner, name, ok := strings.Cut(sidecar.Repository, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("%q: %w", sidecar.Repository, errRepository)
	}

	if strings.TrimSpace(sidecar.Executable) == "" {
		return errExecutable
	}

	if sidecar.HealthURL != "" {
		if _, err := url.ParseRequestURI(sidecar.HealthURL); err != nil {
			return fmt.Errorf("invalid health URL: %w", err)
		}
	}

	for _, file := range sidecar.Files {
		if !filepath.IsLocal(filepath.FromSlash(file.Path)) {
			return fmt.Errorf("file %q: %w", file.Path, errFilePath)
		}

		if _, err := url.ParseRequestURI(file.URL); err != nil {
			return fmt.Errorf("file %q: invalid URL: %w", file.Path, err)
		}
	}

	return nil
}
