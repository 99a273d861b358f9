package sync

import (
	"context"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/fetch"
	"github.com/sidkik/mirror/pkg/layout"
	"github.com/sidkik/mirror/pkg/manifest"
	"github.com/sidkik/mirror/pkg/status"
)

// Packages mirrors a source archive for every version of every package in
// the index built by the registries component. Archives are stored once per
// tree hash, and each version is a link to the archive of its hash.
type Packages struct {
	// TarballBase is the API that serves repository snapshots.
	TarballBase string

	// SyncLatest also fetches a snapshot of each package's head.
	SyncLatest bool

	// Concurrency is the maximum number of parallel downloads.
	Concurrency  int
	BatchTimeout time.Duration
}

func (p Packages) Name() string { return status.Packages }

// DependsOn returns the components that must succeed first.
func (p Packages) DependsOn() []string {
	return []string{status.Registries}
}

type packageCounts struct {
	fetched, failed, unchanged, skipped int
}

// archiveFetch is a queued download, along with the package versions that
// are aliased to it once it's stored.
type archiveFetch struct {
	entry    IndexEntry
	logger   *log.Entry
	versions []string
}

// Apply plans the downloads of all packages, fetches them in a single bounded
// pool, and then links the results. Only the fetch workers run in parallel,
// and each writes to its own package directory.
func (p Packages) Apply(ctx context.Context, run *Run) error {
	l := run.Layout
	if err := l.EnsureDir(l.PackagesDir()); err != nil {
		return err
	}

	var counts packageCounts
	var items []fetch.Item
	var queued []archiveFetch
	for _, entry := range run.Index.Entries() {
		if err := ctx.Err(); err != nil {
			return err
		}

		pkgItems, pkgQueued, err := p.planPackage(run, entry, &counts)
		if err != nil {
			return err
		}
		items = append(items, pkgItems...)
		queued = append(queued, pkgQueued...)
	}

	batchCtx, cancel := batchContext(ctx, p.BatchTimeout)
	defer cancel()

	results := run.Fetcher.FetchBatch(batchCtx, items, "", p.Concurrency)
	if err := ctx.Err(); err != nil {
		return err
	}

	for i, result := range results {
		fetched := queued[i]
		logger := fetched.logger.WithField("file", result.Name)
		if result.Err != nil {
			counts.failed++
			if batchCtx.Err() == nil {
				logger.WithError(result.Err).Error("Failed to fetch package archive")
			}
			continue
		}

		counts.fetched++
		if _, err := run.Integrity.RecordDigest(result.Path); err != nil {
			logger.WithError(err).Warn("Failed to record archive digest")
		}
		p.aliasVersions(run, fetched.logger, fetched.entry, result.Path, fetched.versions)
	}

	run.Log.WithFields(log.Fields{
		"fetched":   counts.fetched,
		"unchanged": counts.unchanged,
		"failed":    counts.failed,
		"skipped":   counts.skipped,
	}).Info("Synchronized packages")
	return nil
}

// planPackage links a package into the store, repairs the aliases of the
// archives that are already stored, and returns the downloads it still needs.
// It only returns errors that should fail the whole component. Other problems
// are logged, and retried by the next run.
func (p Packages) planPackage(run *Run, entry IndexEntry, counts *packageCounts) (
	[]fetch.Item, []archiveFetch, error) {

	l := run.Layout
	pkg := entry.Package
	logger := run.Log.WithFields(log.Fields{
		"package":  pkg.Name,
		"registry": entry.Registry,
	})

	if err := l.LinkPackage(entry.Registry, pkg.Name); err != nil {
		if errors.As(err, &errors.LayoutConflictError{}) {
			return nil, nil, err
		}
		logger.WithError(err).Error("Failed to link package")
		counts.failed++
		return nil, nil, nil
	}

	endpoint, err := manifest.TarballEndpoint(p.TarballBase, pkg.Repo)
	if err != nil {
		logger.WithError(err).WithField("repo", pkg.Repo).Warn("Skipping package")
		counts.skipped++
		return nil, nil, nil
	}

	dir := l.PackageDir(pkg.Name, entry.Registry)
	byHash := pkg.VersionsByHash()

	var items []fetch.Item
	var queued []archiveFetch
	for _, hash := range pkg.Hashes() {
		archive := l.ArchivePath(pkg.Name, entry.Registry, hash)
		if run.Integrity.IsUnchanged(archive) {
			counts.unchanged++
			p.aliasVersions(run, logger, entry, archive, byHash[hash])
			continue
		}

		items = append(items, fetch.Item{
			Name: layout.ArchiveName(pkg.Name, hash),
			URL:  endpoint + hash,
			Dir:  dir,
		})
		queued = append(queued, archiveFetch{entry: entry, logger: logger, versions: byHash[hash]})
	}

	// The head snapshot has no versions.
	if p.SyncLatest {
		items = append(items, fetch.Item{
			Name: layout.ArchiveName(pkg.Name, manifest.LatestLabel),
			URL:  endpoint + manifest.HeadRef,
			Dir:  dir,
		})
		queued = append(queued, archiveFetch{entry: entry, logger: logger})
	}
	return items, queued, nil
}

// aliasVersions makes sure that each version's alias points at archive.
func (p Packages) aliasVersions(run *Run, logger *log.Entry, entry IndexEntry,
	archive string, versions []string) {

	l := run.Layout
	for _, version := range versions {
		target, ok := l.AliasTarget(entry.Package.Name, entry.Registry, version)
		if ok && target == filepath.Base(archive) {
			continue
		}

		if err := l.AliasVersion(archive, entry.Package.Name, version); err != nil {
			logger.WithError(err).WithField("version", version).Error("Failed to alias package version")
		}
	}
}
