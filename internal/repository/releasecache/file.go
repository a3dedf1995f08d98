package releasecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oshokin/sidecar-keeper/internal/domain/release"
)

// Repository defines persistence operations for cached release lists.
type Repository interface {
	Load(ctx context.Context, repo string) (*Entry, error)
	Save(ctx context.Context, repo string, entry *Entry) error
}

// Entry is a cached release list for one repository.
type Entry struct {
	// ETag is the entity tag returned with the list.
	ETag string
	// Releases is the list sorted newest first.
	Releases []release.Release
	// ExpiresAt is when the entry stops being usable.
	ExpiresAt time.Time
}

// Expired reports whether the entry is no longer usable at now.
func (e *Entry) Expired(now time.Time) bool {
	return e == nil || !now.Before(e.ExpiresAt)
}

// fileEntry is the on-disk representation of an Entry.
type fileEntry struct {
	ETag    string            `json:"etag"`
	Data    []release.Release `json:"data"`
	Expires int64             `json:"expires"`
}

// FileRepository persists release lists as JSON files inside a directory.
type FileRepository struct {
	// dir holds one directory per owner and one file per repository.
	dir string
	// mu protects concurrent access to the cache files.
	mu sync.Mutex
}

// cacheFilePermissions restricts cache files to the owner.
const cacheFilePermissions = 0o600

var (
	// ErrNotFound is returned when no cache file exists for the repository yet.
	ErrNotFound = errors.New("release cache entry not found")

	// errInvalidRepository is returned for identifiers that cannot name a file.
	errInvalidRepository = errors.New("invalid repository identifier")
)

// NewFileRepository creates a repository that reads/writes JSON files under dir.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{
		dir: filepath.Clean(dir),
	}
}

// Path returns the cache file location for the repository: owner/name
// maps to <dir>/owner/name.json.
func (r *FileRepository) Path(repo string) (string, error) {
	segments := strings.Split(strings.Trim(strings.TrimSpace(repo), "/"), "/")
	for _, segment := range segments {
		if !validSegment(segment) {
			return "", fmt.Errorf("%w: %q", errInvalidRepository, repo)
		}
	}

	segments[len(segments)-1] += ".json"

	return filepath.Join(append([]string{r.dir}, segments...)...), nil
}

// validSegment reports whether s is a registry owner or repository name:
// letters, digits, '-', '_' and '.', but not "." or "..".
func validSegment(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}

	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}

	return true
}

// Load reads the cached entry for repo.
func (r *FileRepository) Load(_ context.Context, repo string) (*Entry, error) {
	path, err := r.Path(repo)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read release cache: %w", err)
	}

	var stored fileEntry
	if err = json.Unmarshal(contents, &stored); err != nil {
		return nil, fmt.Errorf("decode release cache: %w", err)
	}

	return &Entry{
		ETag:      stored.ETag,
		Releases:  stored.Data,
		ExpiresAt: time.UnixMilli(stored.Expires),
	}, nil
}

// Save writes the entry for repo, creating the cache directory if needed.
func (r *FileRepository) Save(_ context.Context, repo string, entry *Entry) error {
	path, err := r.Path(repo)
	if err != nil {
		return err
	}

	data, err := json.Marshal(fileEntry{
		ETag:    entry.ETag,
		Data:    entry.Releases,
		Expires: entry.ExpiresAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode release cache: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err = os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create release cache dir: %w", err)
	}

	if err = os.WriteFile(path, data, cacheFilePermissions); err != nil {
		return fmt.Errorf("write release cache: %w", err)
	}

	return nil
}
