package resolver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/oshokin/sidecar-keeper/internal/domain/release"
	"github.com/oshokin/sidecar-keeper/internal/repository/releasecache"
)

const testRepository = "ollama/ollama"

// fixedNow is the clock used by every resolver under test.
var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// releasesJSON renders an unsorted list where v1.2.0 is newer than v1.1.0.
func releasesJSON(t *testing.T) []byte {
	t.Helper()

	data, err := json.Marshal([]map[string]any{
		{"tag_name": "v1.1.0", "published_at": "2025-01-01T00:00:00Z", "assets": []any{}},
		{"tag_name": "v1.2.0", "published_at": "2025-02-01T00:00:00Z", "assets": []any{
			map[string]any{"name": "ollama-linux-amd64.tgz", "browser_download_url": "https://example.com/a", "size": 10},
		}},
	})
	require.NoError(t, err)

	return data
}

// newTestResolver builds a resolver pointing at baseURL with a temp cache.
func newTestResolver(t *testing.T, baseURL string, opts ...Option) (*Resolver, *releasecache.FileRepository) {
	t.Helper()

	cache := releasecache.NewFileRepository(t.TempDir())
	opts = append([]Option{
		WithBaseURL(baseURL),
		WithClock(func() time.Time { return fixedNow }),
		WithTTL(time.Hour),
	}, opts...)

	return New(cache, opts...), cache
}

// seedCache stores a single-release entry for testRepository.
func seedCache(t *testing.T, cache *releasecache.FileRepository, etag string, expiresAt time.Time) {
	t.Helper()

	require.NoError(t, cache.Save(context.Background(), testRepository, &releasecache.Entry{
		ETag:      etag,
		Releases:  []release.Release{{Tag: "v0.9.0", PublishedAt: fixedNow.Add(-time.Hour)}},
		ExpiresAt: expiresAt,
	}))
}

// TestResolver_SortsNewestFirst verifies the registry order is replaced by publish time order.
func TestResolver_SortsNewestFirst(t *testing.T) {
	t.Parallel()

	body := releasesJSON(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/ollama/ollama/releases", r.URL.Path)
		assert.Equal(t, acceptHeader, r.Header.Get("Accept"))
		assert.Equal(t, "keeper-test", r.Header.Get("User-Agent"))

		w.Header().Set("ETag", `"etag-1"`)
		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)

	resolver, cache := newTestResolver(t, server.URL, WithUserAgent("keeper-test"))

	releases, err := resolver.Releases(context.Background(), testRepository)
	require.NoError(t, err)
	require.Len(t, releases, 2)
	require.Equal(t, "v1.2.0", releases[0].Tag)
	require.Equal(t, "v1.1.0", releases[1].Tag)

	latest, err := resolver.Latest(context.Background(), testRepository, true)
	require.NoError(t, err)
	require.Equal(t, "v1.2.0", latest.Tag)

	// The response was persisted with its entity tag and expiry.
	entry, err := cache.Load(context.Background(), testRepository)
	require.NoError(t, err)
	require.Equal(t, `"etag-1"`, entry.ETag)
	require.Equal(t, fixedNow.Add(time.Hour).UnixMilli(), entry.ExpiresAt.UnixMilli())
	require.Equal(t, "v1.2.0", entry.Releases[0].Tag)
}

// TestResolver_NotModifiedServesCache verifies a 304 returns the cached list
// and leaves the cache file untouched.
func TestResolver_NotModifiedServesCache(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `"abc"`, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	}))
	t.Cleanup(server.Close)

	resolver, cache := newTestResolver(t, server.URL)
	seedCache(t, cache, `"abc"`, fixedNow.Add(time.Minute))

	path, err := cache.Path(testRepository)
	require.NoError(t, err)

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	releases, err := resolver.Releases(context.Background(), testRepository)
	require.NoError(t, err)
	require.Len(t, releases, 1)
	require.Equal(t, "v0.9.0", releases[0].Tag)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

// TestResolver_NotModifiedWithoutCache verifies a 304 with nothing cached is an error.
func TestResolver_NotModifiedWithoutCache(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	t.Cleanup(server.Close)

	resolver, _ := newTestResolver(t, server.URL)

	_, err := resolver.Releases(context.Background(), testRepository)
	require.ErrorIs(t, err, ErrNotModifiedWithoutCache)
}

// TestResolver_ExpiredCacheIsAbsent verifies an expired entry sends no
// conditional header and does not serve as fallback.
func TestResolver_ExpiredCacheIsAbsent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	resolver, cache := newTestResolver(t, server.URL)
	seedCache(t, cache, `"old"`, fixedNow.Add(-time.Second))

	_, err := resolver.Releases(context.Background(), testRepository)
	require.ErrorIs(t, err, ErrUnexpectedStatus)
}

// TestResolver_FallbackOnServerError verifies a fresh cache answers failing registry responses.
func TestResolver_FallbackOnServerError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)

	resolver, cache := newTestResolver(t, server.URL)
	seedCache(t, cache, `"abc"`, fixedNow.Add(time.Minute))

	releases, err := resolver.Releases(context.Background(), testRepository)
	require.NoError(t, err)
	require.Equal(t, "v0.9.0", releases[0].Tag)
}

// TestResolver_FallbackOnTransportError verifies a fresh cache answers when the registry is down.
func TestResolver_FallbackOnTransportError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	resolver, cache := newTestResolver(t, baseURL)

	_, err := resolver.Releases(context.Background(), testRepository)
	require.Error(t, err)

	seedCache(t, cache, "", fixedNow.Add(time.Minute))

	releases, err := resolver.Releases(context.Background(), testRepository)
	require.NoError(t, err)
	require.Equal(t, "v0.9.0", releases[0].Tag)
}

// TestResolver_BypassCache verifies the bypass option skips conditional requests and fallback.
func TestResolver_BypassCache(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	resolver, cache := newTestResolver(t, server.URL)
	seedCache(t, cache, `"abc"`, fixedNow.Add(time.Minute))

	_, err := resolver.Releases(context.Background(), testRepository, WithBypassCache())
	require.ErrorIs(t, err, ErrUnexpectedStatus)
}

// TestResolver_AuthorizationHeader verifies the token is sent only when configured.
func TestResolver_AuthorizationHeader(t *testing.T) {
	t.Parallel()

	body := releasesJSON(t)
	seen := make(chan string, 2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Get("Authorization")

		_, _ = w.Write(body)
	}))
	t.Cleanup(server.Close)

	anonymous, _ := newTestResolver(t, server.URL)
	_, err := anonymous.Releases(context.Background(), testRepository)
	require.NoError(t, err)
	require.Empty(t, <-seen)

	authorized, _ := newTestResolver(t, server.URL, WithToken("secret"))
	_, err = authorized.Releases(context.Background(), testRepository)
	require.NoError(t, err)
	require.Equal(t, "Bearer secret", <-seen)
}

// TestResolver_EmptyList verifies an empty registry answer is reported as no releases.
func TestResolver_EmptyList(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("[]"))
	}))
	t.Cleanup(server.Close)

	resolver, _ := newTestResolver(t, server.URL)

	_, err := resolver.Releases(context.Background(), testRepository)
	require.ErrorIs(t, err, release.ErrNoReleases)
}

// blockingTransport answers every request after release is closed and counts calls.
type blockingTransport struct {
	// calls counts round trips.
	calls atomic.Int32
	// release unblocks pending round trips.
	release chan struct{}
	// body is the response payload.
	body []byte
}

// RoundTrip waits for release and returns a 200 response carrying body.
func (b *blockingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	b.calls.Inc()

	<-b.release

	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(string(b.body))),
		Request:    req,
	}, nil
}

// TestResolver_ConcurrentLookupsShareRequest verifies concurrent lookups of one
// repository produce a single registry request.
func TestResolver_ConcurrentLookupsShareRequest(t *testing.T) {
	t.Parallel()

	body := releasesJSON(t)

	synctest.Test(t, func(t *testing.T) {
		transport := &blockingTransport{
			release: make(chan struct{}),
			body:    body,
		}

		cache := releasecache.NewFileRepository(filepath.Join(t.TempDir(), "cache"))
		resolver := New(cache,
			WithHTTPClient(&http.Client{Transport: transport}),
			WithBaseURL("http://registry.invalid"),
		)

		const callers = 5

		var (
			wg      sync.WaitGroup
			results = make([][]release.Release, callers)
			errs    = make([]error, callers)
		)

		for i := range callers {
			wg.Go(func() {
				results[i], errs[i] = resolver.Releases(context.Background(), testRepository)
			})
		}

		// Every caller is parked on the single in-flight request.
		synctest.Wait()
		require.Equal(t, int32(1), transport.calls.Load())

		close(transport.release)
		wg.Wait()

		for i := range callers {
			require.NoError(t, errs[i])
			require.Equal(t, "v1.2.0", results[i][0].Tag)
		}

		// Each caller owns its copy.
		results[0][0].Tag = "mutated"
		require.Equal(t, "v1.2.0", results[1][0].Tag)
	})
}

// TestResolver_CanceledCallerDoesNotFailOthers verifies the first caller leaving
// a shared lookup neither aborts the request nor fails the callers still waiting.
func TestResolver_CanceledCallerDoesNotFailOthers(t *testing.T) {
	t.Parallel()

	body := releasesJSON(t)

	synctest.Test(t, func(t *testing.T) {
		transport := &blockingTransport{
			release: make(chan struct{}),
			body:    body,
		}

		cache := releasecache.NewFileRepository(filepath.Join(t.TempDir(), "cache"))
		resolver := New(cache,
			WithHTTPClient(&http.Client{Transport: transport}),
			WithBaseURL("http://registry.invalid"),
		)

		firstCtx, cancelFirst := context.WithCancel(context.Background())

		var (
			first, second       sync.WaitGroup
			firstErr, secondErr error
			secondResult        []release.Release
		)

		first.Go(func() {
			_, firstErr = resolver.Releases(firstCtx, testRepository)
		})

		synctest.Wait()

		second.Go(func() {
			secondResult, secondErr = resolver.Releases(context.Background(), testRepository)
		})

		synctest.Wait()
		require.Equal(t, int32(1), transport.calls.Load())

		cancelFirst()
		first.Wait()
		require.ErrorIs(t, firstErr, context.Canceled)

		close(transport.release)
		second.Wait()

		require.NoError(t, secondErr)
		require.Equal(t, "v1.2.0", secondResult[0].Tag)
		require.Equal(t, int32(1), transport.calls.Load())
	})
}
