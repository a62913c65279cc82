// Package matcher resolves a (regex_include, regex_exclude) pair against
// a server's repositories into the deterministic ordered subset the
// Repo Syncher and Snapshotter operate on.
package matcher

import (
	"regexp"
	"sort"

	"github.com/cuemby/pulp-manager/pkg/types"
)

// Match returns the subset of repos whose name matches include (nil means
// match-all) and does not match exclude, in lexicographic order by name.
// exclude takes precedence over include when both match the same name.
func Match(repos []*types.PulpServerRepo, include, exclude *regexp.Regexp) []*types.PulpServerRepo {
	sorted := make([]*types.PulpServerRepo, len(repos))
	copy(sorted, repos)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	out := make([]*types.PulpServerRepo, 0, len(sorted))
	for _, r := range sorted {
		if include != nil && !include.MatchString(r.Name) {
			continue
		}
		if exclude != nil && exclude.MatchString(r.Name) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Compile parses the nullable regex_include/regex_exclude strings from
// configuration. An empty pattern is treated as "match all" (nil).
func Compile(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}
