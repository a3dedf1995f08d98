package release

import (
	"regexp"
	"strconv"
	"strings"
)

// versionComponentBase is the weight of each dotted component when folding.
const versionComponentBase = 1000

// versionPattern finds the first dotted numeric token, e.g. in "ollama version is 0.5.7".
var versionPattern = regexp.MustCompile(`\d+(?:\.\d+)+`)

// ExtractVersion returns the first dotted numeric token in s, or the trimmed
// input when there is none (a bare "7" or "v7" is still a version).
func ExtractVersion(s string) string {
	s = strings.TrimSpace(s)

	if match := versionPattern.FindString(s); match != "" {
		return match
	}

	return strings.TrimPrefix(s, releaseTagMarker)
}

// FoldVersion folds a dotted version left to right as acc*1000 + component.
//
// The ordering is deliberately simple: it matches semantic versioning only
// while every component stays below 1000 and there are no pre-release suffixes.
// Non-numeric components count as zero; trailing text after digits is ignored.
func FoldVersion(s string) int64 {
	var acc int64

	for component := range strings.SplitSeq(ExtractVersion(s), ".") {
		acc = acc*versionComponentBase + leadingNumber(component)
	}

	return acc
}

// CompareVersions returns -1, 0 or +1 comparing the folded values of a and b.
func CompareVersions(a, b string) int {
	fa, fb := FoldVersion(a), FoldVersion(b)

	switch {
	case fa < fb:
		return -1
	case fa > fb:
		return 1
	default:
		return 0
	}
}

func leadingNumber(component string) int64 {
	end := 0
	for end < len(component) && component[end] >= '0' && component[end] <= '9' {
		end++
	}

	if end == 0 {
		return 0
	}

	n, err := strconv.ParseInt(component[:end], 10, 64)
	if err != nil {
		return 0
	}

	return n
}
