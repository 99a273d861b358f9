package sync

import (
	"sort"
	"sync"

	"github.com/sidkik/mirror/pkg/manifest"
)

// Index is the set of packages known to the mirrored registries.
type Index struct {
	lock     sync.Mutex
	packages map[string]map[string]*manifest.Package
}

// IndexEntry is a package as listed by one registry. A package can be in
// several registries, and each copy is stored separately.
type IndexEntry struct {
	Registry string
	Package  *manifest.Package
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{packages: map[string]map[string]*manifest.Package{}}
}

// Set replaces the packages listed by registry.
func (idx *Index) Set(registry string, packages []*manifest.Package) {
	idx.lock.Lock()
	defer idx.lock.Unlock()

	byName := map[string]*manifest.Package{}
	for _, pkg := range packages {
		byName[pkg.Name] = pkg
	}
	idx.packages[registry] = byName
}

// Entries returns every indexed package, sorted by package name and then
// registry.
func (idx *Index) Entries() []IndexEntry {
	idx.lock.Lock()
	defer idx.lock.Unlock()

	var entries []IndexEntry
	for registry, packages := range idx.packages {
		for _, pkg := range packages {
			entries = append(entries, IndexEntry{Registry: registry, Package: pkg})
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Package.Name != entries[j].Package.Name {
			return entries[i].Package.Name < entries[j].Package.Name
		}
		return entries[i].Registry < entries[j].Registry
	})
	return entries
}

// Registries returns the names of the indexed registries.
func (idx *Index) Registries() []string {
	idx.lock.Lock()
	defer idx.lock.Unlock()

	var names []string
	for name := range idx.packages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
