package release

import (
	"errors"
	"slices"
	"strings"
	"time"
)

var (
	// ErrNoReleases is returned when a repository has no (matching) releases.
	ErrNoReleases = errors.New("no releases found")
	// ErrNoMatchingAsset is returned when no asset is built for the host platform.
	ErrNoMatchingAsset = errors.New("no asset matches the platform")
)

// releaseTagMarker is the leading marker of tags that denote real releases.
const releaseTagMarker = "v"

// Asset is a downloadable file attached to a release.
type Asset struct {
	// Name is the asset file name.
	Name string `json:"name"`
	// DownloadURL is the direct download location.
	DownloadURL string `json:"browser_download_url"`
	// Size is the declared size in bytes.
	Size int64 `json:"size"`
}

// Release is one published version of a repository.
type Release struct {
	// Tag is the git tag the release was cut from.
	Tag string `json:"tag_name"`
	// Body is the release notes.
	Body string `json:"body"`
	// PublishedAt is when the release was published.
	PublishedAt time.Time `json:"published_at"`
	// Assets are the files attached to the release.
	Assets []Asset `json:"assets"`
}

// Clone returns a deep copy of the release.
func (r Release) Clone() Release {
	r.Assets = slices.Clone(r.Assets)

	return r
}

// Version returns the dotted numeric version carried by the tag.
func (r Release) Version() string {
	return ExtractVersion(r.Tag)
}

// SortNewestFirst orders releases by publish time, newest first. The sort is stable
// so releases published at the same instant keep registry order.
func SortNewestFirst(releases []Release) {
	slices.SortStableFunc(releases, func(a, b Release) int {
		return b.PublishedAt.Compare(a.PublishedAt)
	})
}

// Latest returns the head of an already sorted list. When skipNonRelease is set,
// only tags starting with the release marker are considered.
func Latest(releases []Release, skipNonRelease bool) (Release, error) {
	for _, r := range releases {
		if skipNonRelease && !strings.HasPrefix(r.Tag, releaseTagMarker) {
			continue
		}

		return r, nil
	}

	return Release{}, ErrNoReleases
}

// CloneAll deep-copies a release list.
func CloneAll(releases []Release) []Release {
	if releases == nil {
		return nil
	}

	out := make([]Release, len(releases))
	for i, r := range releases {
		out[i] = r.Clone()
	}

	return out
}
