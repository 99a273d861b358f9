// Package manifest reads the upstream descriptions of what should be
// mirrored: the release manifest and the per-package files in a registry.
package manifest

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/afero"

	"github.com/sidkik/mirror/pkg/errors"
)

const (
	// PackageFile describes a package in a registry.
	PackageFile = "Package.toml"

	// VersionsFile maps a package's versions to tree hashes.
	VersionsFile = "Versions.toml"
)

// Package is a package's entry in a registry.
type Package struct {
	// Name is the name of the package's directory in the registry.
	Name string `toml:"name"`
	UUID string `toml:"uuid"`
	Repo string `toml:"repo"`

	// Versions maps version labels to the content they refer to.
	Versions map[string]Version `toml:"-"`
}

// Version is one released version of a package.
type Version struct {
	TreeHash string `toml:"git-tree-sha1"`
}

// ReadPackage loads the package described in dir. It returns
// errors.FileNotFound if dir has no package file, which means the package
// was removed from the registry.
func ReadPackage(fs afero.Fs, dir string) (*Package, error) {
	pkgPath := filepath.Join(dir, PackageFile)
	pkgData, err := afero.ReadFile(fs, pkgPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: pkgPath}
		}
		return nil, errors.WithContext(err, "read")
	}

	var pkg Package
	if _, err := toml.Decode(string(pkgData), &pkg); err != nil {
		return nil, errors.ManifestParseError{Path: pkgPath, Err: err}
	}
	// The directory name is what the layout is keyed on.
	pkg.Name = filepath.Base(dir)

	versionsPath := filepath.Join(dir, VersionsFile)
	versionsData, err := afero.ReadFile(fs, versionsPath)
	if err != nil {
		return nil, errors.ManifestParseError{Path: versionsPath, Err: err}
	}
	if _, err := toml.Decode(string(versionsData), &pkg.Versions); err != nil {
		return nil, errors.ManifestParseError{Path: versionsPath, Err: err}
	}

	for label, version := range pkg.Versions {
		if version.TreeHash == "" {
			return nil, errors.ManifestParseError{
				Path: versionsPath,
				Err:  errors.MissingFieldError{Field: label + ".git-tree-sha1"},
			}
		}
	}
	return &pkg, nil
}

// VersionsByHash groups the package's versions by the content they refer
// to. Each group is sorted oldest first.
func (pkg *Package) VersionsByHash() map[string][]string {
	byHash := map[string][]string{}
	for label, version := range pkg.Versions {
		byHash[version.TreeHash] = append(byHash[version.TreeHash], label)
	}
	for hash, labels := range byHash {
		byHash[hash] = SortVersions(labels)
	}
	return byHash
}

// Hashes returns the distinct content hashes of the package, in the order
// of the first version that refers to each.
func (pkg *Package) Hashes() []string {
	var labels []string
	for label := range pkg.Versions {
		labels = append(labels, label)
	}

	var hashes []string
	seen := map[string]bool{}
	for _, label := range SortVersions(labels) {
		hash := pkg.Versions[label].TreeHash
		if !seen[hash] {
			seen[hash] = true
			hashes = append(hashes, hash)
		}
	}
	return hashes
}

// Scan is the result of walking a registry's working tree.
type Scan struct {
	// Packages are the entries that were read successfully, sorted by name.
	Packages []*Package

	// Removed are package directories that no longer have a package file.
	Removed []string

	// Invalid are the entries that couldn't be read.
	Invalid []error
}

// ScanRegistry reads every `<shard>/<package>/` directory in a registry's
// working tree. A broken entry doesn't stop the scan.
func ScanRegistry(fs afero.Fs, dir string) (*Scan, error) {
	shards, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.WithContext(err, "read registry")
	}

	scan := &Scan{}
	for _, shard := range shards {
		if !shard.IsDir() || strings.HasPrefix(shard.Name(), ".") {
			continue
		}

		entries, err := afero.ReadDir(fs, filepath.Join(dir, shard.Name()))
		if err != nil {
			return nil, errors.WithContext(err, "read shard")
		}

		for _, entry := range entries {
			if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
				continue
			}

			pkg, err := ReadPackage(fs, filepath.Join(dir, shard.Name(), entry.Name()))
			switch {
			case errors.As(err, &errors.FileNotFound{}):
				scan.Removed = append(scan.Removed, entry.Name())
			case errors.As(err, &errors.ManifestParseError{}):
				scan.Invalid = append(scan.Invalid, err)
			case err != nil:
				return nil, err
			default:
				scan.Packages = append(scan.Packages, pkg)
			}
		}
	}

	sort.Slice(scan.Packages, func(i, j int) bool {
		return scan.Packages[i].Name < scan.Packages[j].Name
	})
	sort.Strings(scan.Removed)
	return scan, nil
}
