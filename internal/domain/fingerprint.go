package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

type dependencyFingerprintInput struct {
	Dependencies []Dependency `json:"dependencies"`
}

// DependencyFingerprint digests a normalized dependency set. Two descriptors
// whose dependency sets normalize identically share one environment, so the
// digest must be independent of declaration order, case, and duplicates.
func DependencyFingerprint(deps []Dependency) (string, error) {
	input := dependencyFingerprintInput{
		Dependencies: NormalizeDependencies(deps),
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("marshal dependency fingerprint: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// NormalizeDependencies lowercases package names, trims whitespace, drops
// empty entries, deduplicates, and sorts by package then constraint.
func NormalizeDependencies(deps []Dependency) []Dependency {
	if len(deps) == 0 {
		return []Dependency{}
	}
	seen := make(map[Dependency]struct{}, len(deps))
	out := make([]Dependency, 0, len(deps))
	for _, dep := range deps {
		normalized := Dependency{
			Package:    strings.ToLower(strings.TrimSpace(dep.Package)),
			Constraint: strings.TrimSpace(dep.Constraint),
		}
		if normalized.Package == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Package != out[j].Package {
			return out[i].Package < out[j].Package
		}
		return out[i].Constraint < out[j].Constraint
	})
	return out
}
