/*
Package layout owns the directory structure under the mirror root.

	<root>/status.json
	<root>/releases/releaseinfo.json
	<root>/releases/<version>/<artifact files>
	<root>/metadata/METADATA.jl[.git]
	<root>/PkgMirrors.jl.git
	<root>/registries/list.txt
	<root>/registries/<registry>.git
	<root>/registries/<registry>/<L>/<package>/{Package.toml, Versions.toml, releases}
	<root>/packages/<package>/<registry>/{<package>-<hash>.tar.gz[.sha256],
	                                       <package>-<version>.tar.gz[.sha256],
	                                       <package>}

A package's archives are stored once, in the flat package store. The
registry's entry for the package gets a `releases` link to the store, and the
store gets a link back to the registry entry, named after the package. The
link pair exists exactly as long as the package is in the registry.
*/
package layout

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/fsutil"
	"github.com/sidkik/mirror/pkg/integrity"
)

const (
	// ReleasesLink is the name of the link from a registry entry to the
	// package store.
	ReleasesLink = "releases"

	// ArchiveExt is the extension of package archives.
	ArchiveExt = ".tar.gz"

	dirMode = 0755
)

// Layout resolves and mutates paths under a mirror root.
type Layout struct {
	fs   afero.Fs
	root string
}

// New returns a Layout for the mirror rooted at root. Symlink operations
// require fs to implement afero.Symlinker.
func New(fs afero.Fs, root string) *Layout {
	return &Layout{fs: fs, root: filepath.Clean(root)}
}

// Root returns the mirror root.
func (l *Layout) Root() string { return l.root }

// Fs returns the filesystem the layout operates on.
func (l *Layout) Fs() afero.Fs { return l.fs }

func (l *Layout) StatusFile() string { return filepath.Join(l.root, "status.json") }

func (l *Layout) ReleasesDir() string { return filepath.Join(l.root, "releases") }

func (l *Layout) ReleaseInfoFile() string {
	return filepath.Join(l.ReleasesDir(), "releaseinfo.json")
}

func (l *Layout) ReleaseDir(version string) string {
	return filepath.Join(l.ReleasesDir(), version)
}

func (l *Layout) MetadataDir() string {
	return filepath.Join(l.root, "metadata", "METADATA.jl")
}

func (l *Layout) MetadataMirrorDir() string { return l.MetadataDir() + ".git" }

func (l *Layout) ClientMirrorDir() string { return filepath.Join(l.root, "PkgMirrors.jl.git") }

func (l *Layout) RegistriesDir() string { return filepath.Join(l.root, "registries") }

func (l *Layout) RegistryListFile() string {
	return filepath.Join(l.RegistriesDir(), "list.txt")
}

// RegistryDir is the working tree of a registry.
func (l *Layout) RegistryDir(registry string) string {
	return filepath.Join(l.RegistriesDir(), registry)
}

// RegistryMirrorDir is the bare mirror of a registry.
func (l *Layout) RegistryMirrorDir(registry string) string {
	return l.RegistryDir(registry) + ".git"
}

// RegistryPackageDir is a package's entry in a registry's working tree.
// Registries shard packages by their upper-cased first letter.
func (l *Layout) RegistryPackageDir(registry, pkg string) string {
	return filepath.Join(l.RegistryDir(registry), shard(pkg), pkg)
}

func (l *Layout) PackagesDir() string { return filepath.Join(l.root, "packages") }

// PackageDir is where a package's archives from one registry are stored.
func (l *Layout) PackageDir(pkg, registry string) string {
	return filepath.Join(l.PackagesDir(), pkg, registry)
}

// ArchivePath is the content-addressed archive of a package tree.
func (l *Layout) ArchivePath(pkg, registry, hash string) string {
	return filepath.Join(l.PackageDir(pkg, registry), ArchiveName(pkg, hash))
}

// AliasPath is the link naming an archive by version.
func (l *Layout) AliasPath(pkg, registry, version string) string {
	return filepath.Join(l.PackageDir(pkg, registry), ArchiveName(pkg, version))
}

// ArchiveName returns "<pkg>-<id>.tar.gz".
func ArchiveName(pkg, id string) string {
	return pkg + "-" + id + ArchiveExt
}

func shard(pkg string) string {
	r, size := utf8.DecodeRuneInString(pkg)
	if r == utf8.RuneError {
		return pkg[:size]
	}
	return string(unicode.ToUpper(r))
}

// EnsureDir creates path and its parents. It fails if path exists but isn't
// a directory.
func (l *Layout) EnsureDir(path string) error {
	info, err := l.fs.Stat(path)
	switch {
	case err == nil && !info.IsDir():
		return errors.LayoutConflictError{Path: path, Want: "directory"}
	case err == nil:
		return nil
	case !os.IsNotExist(err):
		return errors.WithContext(err, "stat")
	}

	if err := l.fs.MkdirAll(path, dirMode); err != nil {
		return errors.WithContext(err, "mkdir")
	}
	return nil
}

// ClearDir removes the files and links directly inside path. It refuses to
// touch subdirectories, and checks for them before removing anything.
func (l *Layout) ClearDir(path string) error {
	entries, err := afero.ReadDir(l.fs, path)
	if err != nil {
		return errors.WithContext(err, "read dir")
	}

	for _, entry := range entries {
		if entry.IsDir() {
			return errors.LayoutConflictError{
				Path: filepath.Join(path, entry.Name()),
				Want: "file",
			}
		}
	}

	for _, entry := range entries {
		if err := l.fs.Remove(filepath.Join(path, entry.Name())); err != nil && !os.IsNotExist(err) {
			return errors.WithContext(err, "remove")
		}
	}
	return nil
}

// LinkPackage creates the link pair between a package's registry entry and
// its directory in the package store, creating both directories if needed.
// Correct existing links are left alone.
func (l *Layout) LinkPackage(registry, pkg string) error {
	entryDir := l.RegistryPackageDir(registry, pkg)
	storeDir := l.PackageDir(pkg, registry)

	for _, dir := range []string{entryDir, storeDir} {
		if err := l.EnsureDir(dir); err != nil {
			return errors.WithContext(err, "ensure dir")
		}
	}

	if err := l.link(storeDir, filepath.Join(entryDir, ReleasesLink)); err != nil {
		return errors.WithContext(err, "link registry to store")
	}
	if err := l.link(entryDir, filepath.Join(storeDir, pkg)); err != nil {
		return errors.WithContext(err, "link store to registry")
	}
	return nil
}

// UnlinkPackage removes a package's link pair along with its stored
// archives, then removes any directories left empty, stopping at the
// registry and package store roots.
func (l *Layout) UnlinkPackage(registry, pkg string) error {
	entryDir := l.RegistryPackageDir(registry, pkg)
	if err := l.removeLink(filepath.Join(entryDir, ReleasesLink)); err != nil {
		return err
	}
	if err := l.pruneEmpty(entryDir, l.RegistryDir(registry)); err != nil {
		return errors.WithContext(err, "prune registry entry")
	}

	storeDir := l.PackageDir(pkg, registry)
	backLink := filepath.Join(storeDir, pkg)
	if !l.isLink(backLink) {
		// We only ever clear directories that we linked up ourselves.
		return nil
	}
	if err := l.removeLink(backLink); err != nil {
		return err
	}
	if err := l.ClearDir(storeDir); err != nil {
		return errors.WithContext(err, "clear package store")
	}
	if err := l.pruneEmpty(storeDir, l.PackagesDir()); err != nil {
		return errors.WithContext(err, "prune package store")
	}
	return nil
}

// AliasVersion points the version alias of a package (and of its sidecar)
// at archivePath, replacing any previous alias.
func (l *Layout) AliasVersion(archivePath, pkg, version string) error {
	dir := filepath.Dir(archivePath)
	alias := filepath.Join(dir, ArchiveName(pkg, version))
	if alias == archivePath {
		return errors.New("alias %s would replace its own archive", alias)
	}

	if err := l.replaceLink(filepath.Base(archivePath), alias); err != nil {
		return errors.WithContext(err, "alias archive")
	}

	sidecar := integrity.SidecarPath(archivePath)
	if _, err := l.fs.Stat(sidecar); err == nil {
		err := l.replaceLink(filepath.Base(sidecar), integrity.SidecarPath(alias))
		if err != nil {
			return errors.WithContext(err, "alias sidecar")
		}
	}
	return nil
}

// AliasTarget returns the archive file name a version alias points at.
func (l *Layout) AliasTarget(pkg, registry, version string) (string, bool) {
	target, err := l.readlink(l.AliasPath(pkg, registry, version))
	if err != nil {
		return "", false
	}
	return target, true
}

// Orphan is a package store entry whose registry entry is gone.
type Orphan struct {
	Package  string
	Registry string
}

// PruneOrphans removes package store directories whose link back to the
// registry no longer resolves. This cleans up after packages that were
// removed from a registry while the mirror wasn't tracking that registry.
func (l *Layout) PruneOrphans() ([]Orphan, error) {
	return l.pruneOrphans("")
}

// PruneRegistryOrphans is PruneOrphans limited to one registry's entries.
// It catches packages whose registry directory disappeared along with the
// link from the registry into the store.
func (l *Layout) PruneRegistryOrphans(registry string) ([]Orphan, error) {
	return l.pruneOrphans(registry)
}

// pruneOrphans prunes the orphans of every registry if only is empty.
func (l *Layout) pruneOrphans(only string) ([]Orphan, error) {
	packages, err := afero.ReadDir(l.fs, l.PackagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithContext(err, "read package store")
	}

	var orphans []Orphan
	for _, pkg := range packages {
		if !pkg.IsDir() {
			continue
		}

		registries, err := afero.ReadDir(l.fs, filepath.Join(l.PackagesDir(), pkg.Name()))
		if err != nil {
			return orphans, errors.WithContext(err, "read package dir")
		}

		for _, registry := range registries {
			if !registry.IsDir() || (only != "" && registry.Name() != only) {
				continue
			}
			storeDir := l.PackageDir(pkg.Name(), registry.Name())
			backLink := filepath.Join(storeDir, pkg.Name())
			if !l.isLink(backLink) {
				continue
			}
			if info, err := l.fs.Stat(backLink); err == nil && info.IsDir() {
				continue
			}

			log.WithFields(log.Fields{
				"package":  pkg.Name(),
				"registry": registry.Name(),
			}).Info("Removing orphaned package")
			if err := l.removeLink(backLink); err != nil {
				return orphans, err
			}
			if err := l.ClearDir(storeDir); err != nil {
				return orphans, errors.WithContext(err, "clear orphan")
			}
			if err := l.pruneEmpty(storeDir, l.PackagesDir()); err != nil {
				return orphans, errors.WithContext(err, "prune orphan")
			}
			entryDir := l.RegistryPackageDir(registry.Name(), pkg.Name())
			if err := l.pruneEmpty(entryDir, l.RegistryDir(registry.Name())); err != nil {
				return orphans, errors.WithContext(err, "prune registry entry")
			}
			orphans = append(orphans, Orphan{Package: pkg.Name(), Registry: registry.Name()})
		}
	}
	return orphans, nil
}

// WriteRegistryList writes the names of all mirrored registries, one per
// line, for clients discovering the mirror.
func (l *Layout) WriteRegistryList(names []string) error {
	sorted := append([]string{}, names...)
	sort.Strings(sorted)

	var contents strings.Builder
	for _, name := range sorted {
		contents.WriteString(name + "\n")
	}

	if err := l.EnsureDir(l.RegistriesDir()); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(l.fs, l.RegistryListFile(), []byte(contents.String()), 0644)
}

// pruneEmpty removes dir and then each parent while they're empty. It never
// removes stop or anything outside of it.
func (l *Layout) pruneEmpty(dir, stop string) error {
	dir, stop = filepath.Clean(dir), filepath.Clean(stop)
	for isWithin(dir, stop) {
		entries, err := afero.ReadDir(l.fs, dir)
		if os.IsNotExist(err) {
			dir = filepath.Dir(dir)
			continue
		}
		if err != nil {
			return errors.WithContext(err, "read dir")
		}
		if len(entries) != 0 {
			return nil
		}

		if err := l.fs.Remove(dir); err != nil && !os.IsNotExist(err) {
			return errors.WithContext(err, "remove dir")
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// isWithin returns true if path is strictly inside dir.
func isWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != "." && rel != ".." &&
		!strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// link makes `path` a relative symlink to `target`. An existing link is
// repointed if needed; anything else at `path` is a conflict.
func (l *Layout) link(target, path string) error {
	rel, err := filepath.Rel(filepath.Dir(path), target)
	if err != nil {
		return errors.WithContext(err, "relative path")
	}

	info, err := l.lstat(path)
	switch {
	case os.IsNotExist(err):
		return l.symlink(rel, path)
	case err != nil:
		return errors.WithContext(err, "lstat")
	case info.Mode()&os.ModeSymlink == 0:
		return errors.LayoutConflictError{Path: path, Want: "symbolic link"}
	}

	if current, err := l.readlink(path); err == nil && current == rel {
		return nil
	}
	return l.replaceLink(rel, path)
}

// replaceLink atomically replaces whatever file or link is at path with a
// symlink to target.
func (l *Layout) replaceLink(target, path string) error {
	if info, err := l.lstat(path); err == nil && info.IsDir() {
		return errors.LayoutConflictError{Path: path, Want: "symbolic link"}
	}

	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".link")
	if err := l.fs.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return errors.WithContext(err, "remove stale temp link")
	}
	if err := l.symlink(target, tmp); err != nil {
		return err
	}
	if err := l.fs.Rename(tmp, path); err != nil {
		l.fs.Remove(tmp)
		return errors.WithContext(err, "rename link")
	}
	return nil
}

// removeLink removes path if it's a symlink. A missing path is fine;
// anything else is a conflict.
func (l *Layout) removeLink(path string) error {
	info, err := l.lstat(path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return errors.WithContext(err, "lstat")
	}

	if info.Mode()&os.ModeSymlink == 0 {
		return errors.LayoutConflictError{Path: path, Want: "symbolic link"}
	}
	if err := l.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.WithContext(err, "remove link")
	}
	return nil
}

func (l *Layout) isLink(path string) bool {
	info, err := l.lstat(path)
	return err == nil && info.Mode()&os.ModeSymlink != 0
}

func (l *Layout) symlink(target, path string) error {
	linker, ok := l.fs.(afero.Linker)
	if !ok {
		return errors.New("filesystem does not support symbolic links")
	}
	if err := linker.SymlinkIfPossible(target, path); err != nil {
		return errors.WithContext(err, "symlink")
	}
	return nil
}

func (l *Layout) lstat(path string) (os.FileInfo, error) {
	if lstater, ok := l.fs.(afero.Lstater); ok {
		info, _, err := lstater.LstatIfPossible(path)
		return info, err
	}
	return l.fs.Stat(path)
}

func (l *Layout) readlink(path string) (string, error) {
	reader, ok := l.fs.(afero.LinkReader)
	if !ok {
		return "", errors.New("filesystem does not support symbolic links")
	}
	return reader.ReadlinkIfPossible(path)
}
