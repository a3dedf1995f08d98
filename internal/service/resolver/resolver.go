package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oshokin/sidecar-keeper/internal/config"
	"github.com/oshokin/sidecar-keeper/internal/domain/release"
	"github.com/oshokin/sidecar-keeper/internal/logger"
	"github.com/oshokin/sidecar-keeper/internal/repository/releasecache"
)

// Resolver looks up releases of registry repositories.
type Resolver struct {
	// client performs registry requests.
	client *http.Client
	// baseURL is the registry API root, without trailing slash.
	baseURL string
	// userAgent identifies the keeper to the registry.
	userAgent string
	// token is sent as a bearer token when set.
	token string
	// cache stores release lists with their entity tags.
	cache releasecache.Repository
	// ttl is the lifetime of a cache entry.
	ttl time.Duration
	// now returns the current time.
	now func() time.Time
	// flights collapses concurrent lookups of the same repository.
	flights singleflight.Group
}

// Option configures the resolver.
type Option func(*Resolver)

// WithHTTPClient replaces the HTTP client used for registry requests.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Resolver) {
		if client != nil {
			r.client = client
		}
	}
}

// WithBaseURL sets the registry API root.
func WithBaseURL(baseURL string) Option {
	return func(r *Resolver) {
		if baseURL != "" {
			r.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithUserAgent sets the User-Agent header value.
func WithUserAgent(userAgent string) Option {
	return func(r *Resolver) {
		if userAgent != "" {
			r.userAgent = userAgent
		}
	}
}

// WithToken sets the bearer token for registry requests.
func WithToken(token string) Option {
	return func(r *Resolver) {
		r.token = strings.TrimSpace(token)
	}
}

// WithTTL sets the cache entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock replaces the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// CallOption configures a single lookup.
type CallOption func(*callOptions)

// callOptions holds per-lookup settings.
type callOptions struct {
	// bypassCache ignores the cache for reading and conditional requests.
	bypassCache bool
}

// WithBypassCache makes a lookup ignore the cache: no conditional request
// and no fallback. A successful response still refreshes the cache.
func WithBypassCache() CallOption {
	return func(o *callOptions) {
		o.bypassCache = true
	}
}

const (
	// acceptHeader asks the registry for its versioned JSON media type.
	acceptHeader = "application/vnd.github+json"
	// maxResponseSize bounds the release list payload.
	maxResponseSize = 32 << 20
)

var (
	// ErrNotModifiedWithoutCache is returned when the registry answers 304 but
	// no cached list exists to serve.
	ErrNotModifiedWithoutCache = errors.New("registry answered not modified without a cached list")
	// ErrUnexpectedStatus is returned for non-success registry responses.
	ErrUnexpectedStatus = errors.New("unexpected registry status")
)

// New creates a resolver backed by the provided cache.
func New(cache releasecache.Repository, opts ...Option) *Resolver {
	r := &Resolver{
		client:    &http.Client{Timeout: config.DefaultTimeout},
		baseURL:   config.DefaultRegistryURL,
		userAgent: "sidecar-keeper",
		cache:     cache,
		ttl:       config.DefaultCacheTTL,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Releases returns the releases of repo sorted newest first.
// The returned slice is owned by the caller.
func (r *Resolver) Releases(ctx context.Context, repo string, opts ...CallOption) ([]release.Release, error) {
	var options callOptions
	for _, opt := range opts {
		opt(&options)
	}

	key := repo
	if options.bypassCache {
		key += "#bypass"
	}

	// The shared lookup outlives any single caller; each caller stops waiting
	// when its own context ends.
	flight := r.flights.DoChan(key, func() (any, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.flightTimeout())
		defer cancel()

		return r.fetch(flightCtx, repo, options)
	})

	var result singleflight.Result

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("releases of %s: %w", repo, ctx.Err())
	case result = <-flight:
	}

	if result.Err != nil {
		return nil, result.Err
	}

	releases, _ := result.Val.([]release.Release)
	if len(releases) == 0 {
		return nil, fmt.Errorf("%s: %w", repo, release.ErrNoReleases)
	}

	return release.CloneAll(releases), nil
}

// flightTimeout bounds a shared lookup.
func (r *Resolver) flightTimeout() time.Duration {
	if r.client.Timeout > 0 {
		return r.client.Timeout
	}

	return config.DefaultTimeout
}

// Latest returns the newest release of repo. With skipNonRelease only tags
// starting with "v" are considered.
func (r *Resolver) Latest(ctx context.Context, repo string, skipNonRelease bool) (*release.Release, error) {
	releases, err := r.Releases(ctx, repo)
	if err != nil {
		return nil, err
	}

	latest, err := release.Latest(releases, skipNonRelease)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", repo, err)
	}

	return &latest, nil
}

//nolint:cyclop // Status handling is a flat decision table.
func (r *Resolver) fetch(ctx context.Context, repo string, options callOptions) ([]release.Release, error) {
	ctx = logger.WithKV(logger.WithName(ctx, "resolver"), "repository", repo)

	var cached *releasecache.Entry
	if !options.bypassCache {
		cached = r.loadCache(ctx, repo)
	}

	req, err := r.newRequest(ctx, repo, cached)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if cached != nil {
			logger.WarnKV(ctx, "Registry unreachable, serving cached releases", "error", err)

			return cached.Releases, nil
		}

		return nil, fmt.Errorf("request releases of %s: %w", repo, err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		if cached == nil {
			return nil, fmt.Errorf("releases of %s: %w", repo, ErrNotModifiedWithoutCache)
		}

		logger.DebugKV(ctx, "Release list not modified")

		return cached.Releases, nil
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		if cached != nil {
			logger.WarnKV(ctx, "Registry request failed, serving cached releases", "status", resp.Status)

			return cached.Releases, nil
		}

		return nil, fmt.Errorf("releases of %s: %w: %s", repo, ErrUnexpectedStatus, resp.Status)
	}

	var releases []release.Release
	if err = json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&releases); err != nil {
		if cached != nil {
			logger.WarnKV(ctx, "Malformed release list, serving cached releases", "error", err)

			return cached.Releases, nil
		}

		return nil, fmt.Errorf("decode releases of %s: %w", repo, err)
	}

	release.SortNewestFirst(releases)

	entry := &releasecache.Entry{
		ETag:      resp.Header.Get("ETag"),
		Releases:  releases,
		ExpiresAt: r.now().Add(r.ttl),
	}

	if err = r.cache.Save(ctx, repo, entry); err != nil {
		logger.WarnKV(ctx, "Failed to persist release cache", "error", err)
	}

	logger.DebugKV(ctx, "Release list refreshed", "count", len(releases))

	return releases, nil
}

// loadCache returns the usable cache entry for repo, or nil.
func (r *Resolver) loadCache(ctx context.Context, repo string) *releasecache.Entry {
	entry, err := r.cache.Load(ctx, repo)
	if err != nil {
		if !errors.Is(err, releasecache.ErrNotFound) {
			logger.WarnKV(ctx, "Failed to read release cache", "error", err)
		}

		return nil
	}

	if entry.Expired(r.now()) {
		return nil
	}

	return entry
}

func (r *Resolver) newRequest(ctx context.Context, repo string, cached *releasecache.Entry) (*http.Request, error) {
	endpoint, err := url.JoinPath(r.baseURL, "repos", repo, "releases")
	if err != nil {
		return nil, fmt.Errorf("build releases URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create releases request: %w", err)
	}

	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", acceptHeader)

	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	if cached != nil && cached.ETag != "" {
		req.Header.Set("If-None-Match", cached.ETag)
	}

	return req, nil
}
