package manifest

import (
	"sort"

	goVersion "github.com/hashicorp/go-version"
)

// SortVersions orders labels by semantic version, oldest first. Labels that
// aren't versions, such as "latest", sort after all versions by name.
func SortVersions(labels []string) []string {
	type parsed struct {
		label   string
		version *goVersion.Version
	}

	var entries []parsed
	for _, label := range labels {
		v, err := goVersion.NewVersion(label)
		if err != nil {
			v = nil
		}
		entries = append(entries, parsed{label, v})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		switch {
		case a.version != nil && b.version != nil:
			if a.version.Equal(b.version) {
				return a.label < b.label
			}
			return a.version.LessThan(b.version)
		case a.version != nil:
			return true
		case b.version != nil:
			return false
		default:
			return a.label < b.label
		}
	})

	sorted := make([]string, len(entries))
	for i, e := range entries {
		sorted[i] = e.label
	}
	return sorted
}
