package release

import (
	"strings"

	"github.com/oshokin/sidecar-keeper/internal/platform"
)

// SelectAsset picks the asset built for the given platform.
//
// Candidates are assets whose lower-cased name contains the OS token. With
// matchArch, candidates naming one of the architecture aliases are preferred
// when any exist. Among the remaining candidates the shortest file name wins,
// which skips decorated variants such as debug-symbol bundles; ties keep
// registry order.
func SelectAsset(assets []Asset, info platform.Info, matchArch bool) (Asset, error) {
	osToken := info.OSToken()

	candidates := make([]Asset, 0, len(assets))

	for _, asset := range assets {
		if strings.Contains(strings.ToLower(asset.Name), osToken) {
			candidates = append(candidates, asset)
		}
	}

	if matchArch {
		if narrowed := filterByArch(candidates, info.ArchAliases()); len(narrowed) > 0 {
			candidates = narrowed
		}
	}

	if len(candidates) == 0 {
		return Asset{}, ErrNoMatchingAsset
	}

	best := candidates[0]
	for _, candidate := range candidates[1:] {
		if len(candidate.Name) < len(best.Name) {
			best = candidate
		}
	}

	return best, nil
}

func filterByArch(assets []Asset, aliases []string) []Asset {
	var out []Asset

	for _, asset := range assets {
		name := strings.ToLower(asset.Name)

		for _, alias := range aliases {
			if strings.Contains(name, alias) {
				out = append(out, asset)
				break
			}
		}
	}

	return out
}
