package releasecache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/sidecar-keeper/internal/domain/release"
)

// TestFileRepository_NotFound verifies Load returns ErrNotFound for a missing file.
func TestFileRepository_NotFound(t *testing.T) {
	t.Parallel()

	repo := NewFileRepository(filepath.Join(t.TempDir(), "missing"))
	entry, err := repo.Load(context.Background(), "ollama/ollama")
	require.ErrorIs(t, err, ErrNotFound)
	require.Nil(t, entry)
}

// TestFileRepository_SaveLoad_Roundtrip ensures Save followed by Load returns the same entry.
func TestFileRepository_SaveLoad_Roundtrip(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "cache", "releases")
	repo := NewFileRepository(dir)

	expires := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	want := &Entry{
		ETag: `W/"abc"`,
		Releases: []release.Release{{
			Tag:         "v0.5.7",
			PublishedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
			Assets:      []release.Asset{{Name: "ollama-linux-amd64.tgz", DownloadURL: "https://x/y", Size: 42}},
		}},
		ExpiresAt: expires,
	}

	require.NoError(t, repo.Save(context.Background(), "ollama/ollama", want))

	got, err := repo.Load(context.Background(), "ollama/ollama")
	require.NoError(t, err)
	require.Equal(t, want.ETag, got.ETag)
	require.Equal(t, want.ExpiresAt.UnixMilli(), got.ExpiresAt.UnixMilli())
	require.Len(t, got.Releases, 1)
	require.Equal(t, want.Releases[0].Tag, got.Releases[0].Tag)
	require.True(t, want.Releases[0].PublishedAt.Equal(got.Releases[0].PublishedAt))
	require.Equal(t, want.Releases[0].Assets, got.Releases[0].Assets)

	// On-disk layout: one file per repository with etag/data/expires keys.
	contents, err := os.ReadFile(filepath.Join(dir, "ollama", "ollama.json"))
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(contents, &raw))
	require.Contains(t, raw, "etag")
	require.Contains(t, raw, "data")
	require.Contains(t, raw, "expires")
}

// TestFileRepository_InvalidRepository rejects identifiers escaping the cache dir.
func TestFileRepository_InvalidRepository(t *testing.T) {
	t.Parallel()

	repo := NewFileRepository(t.TempDir())

	_, err := repo.Load(context.Background(), "../etc")
	require.ErrorIs(t, err, errInvalidRepository)

	err = repo.Save(context.Background(), " ", &Entry{})
	require.ErrorIs(t, err, errInvalidRepository)

	for _, id := range []string{"owner//name", "owner/..", `owner\name`, "owner/na:me"} {
		_, err = repo.Path(id)
		require.ErrorIs(t, err, errInvalidRepository, id)
	}
}

// TestFileRepository_DistinctPaths verifies identifiers that differ only in
// where the separator sits never share a cache file.
func TestFileRepository_DistinctPaths(t *testing.T) {
	t.Parallel()

	repo := NewFileRepository(t.TempDir())

	first, err := repo.Path("a_b/c")
	require.NoError(t, err)

	second, err := repo.Path("a/b_c")
	require.NoError(t, err)

	require.NotEqual(t, first, second)

	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, "a_b/c", &Entry{ETag: "first"}))
	require.NoError(t, repo.Save(ctx, "a/b_c", &Entry{ETag: "second"}))

	got, err := repo.Load(ctx, "a_b/c")
	require.NoError(t, err)
	require.Equal(t, "first", got.ETag)

	got, err = repo.Load(ctx, "a/b_c")
	require.NoError(t, err)
	require.Equal(t, "second", got.ETag)
}

// TestEntry_Expired checks the expiry boundary.
func TestEntry_Expired(t *testing.T) {
	t.Parallel()

	now := time.Now()

	require.True(t, (*Entry)(nil).Expired(now))
	require.True(t, (&Entry{ExpiresAt: now}).Expired(now))
	require.False(t, (&Entry{ExpiresAt: now.Add(time.Second)}).Expired(now))
}
