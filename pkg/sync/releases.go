package sync

import (
	"context"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/fetch"
	"github.com/sidkik/mirror/pkg/manifest"
	"github.com/sidkik/mirror/pkg/status"
)

// Releases mirrors the binary releases listed in the release manifest.
type Releases struct {
	// ManifestURL is where the release manifest is downloaded from.
	ManifestURL string

	Concurrency  int
	BatchTimeout time.Duration

	// Force refetches every version, even if it looks up to date.
	Force bool
}

func (r Releases) Name() string { return status.Releases }

func (r Releases) Apply(ctx context.Context, run *Run) error {
	l := run.Layout
	if err := l.EnsureDir(l.ReleasesDir()); err != nil {
		return err
	}

	releases, err := r.fetchManifest(ctx, run)
	if err != nil {
		return err
	}
	for _, problem := range releases.Problems {
		run.Log.WithError(problem).Warn("Skipping part of the release manifest")
	}

	entry := run.Status.Component(status.Releases)
	for _, label := range releases.Labels() {
		if err := ctx.Err(); err != nil {
			return err
		}

		release := releases.Versions[label]
		dir := l.ReleaseDir(label)
		if err := l.EnsureDir(dir); err != nil {
			return err
		}

		logger := run.Log.WithField("version", label)
		if !r.needsUpdate(run, label, release, entry.Version(label), dir) {
			logger.Debug("Release is up to date")
			continue
		}

		logger.WithField("subversion", release.Subversion).Info("Updating release")
		if err := r.updateVersion(ctx, run, label, release, dir); err != nil {
			return errors.WithContext(err, "update "+label)
		}
	}
	return nil
}

// fetchManifest downloads the release manifest. If upstream is unreachable,
// the copy from the last run is used.
func (r Releases) fetchManifest(ctx context.Context, run *Run) (*manifest.Releases, error) {
	path := run.Layout.ReleaseInfoFile()
	fetchErr := run.Fetcher.Fetch(ctx, r.ManifestURL, path)
	if fetchErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if exists, _ := afero.Exists(run.Fs(), path); !exists {
			return nil, errors.WithContext(fetchErr, "fetch release manifest")
		}
		run.Log.WithError(fetchErr).Warn("Failed to fetch release manifest. Using the previous copy.")
	}

	return manifest.ReadReleases(run.Fs(), path)
}

// needsUpdate decides whether a version's directory has to be refetched.
func (r Releases) needsUpdate(run *Run, label string, release manifest.Release,
	recorded *status.VersionEntry, dir string) bool {

	switch {
	case r.Force, label == manifest.LatestLabel:
		return true
	case recorded == nil, recorded.Subversion != release.Subversion:
		return true
	case recorded.LastUpdated == "", len(recorded.Missing) != 0:
		return true
	}

	count, err := countFiles(run.Fs(), dir)
	if err != nil {
		run.Log.WithError(err).WithField("dir", dir).Warn("Failed to list release files")
		return true
	}
	return count != len(release.URLList)
}

func (r Releases) updateVersion(ctx context.Context, run *Run, label string,
	release manifest.Release, dir string) error {

	if err := run.Layout.ClearDir(dir); err != nil {
		return err
	}

	subversion := release.Subversion
	if label == manifest.LatestLabel {
		subversion = manifest.LatestLabel
	}

	// Record the new subversion without a completion time, so that an
	// interrupted download is retried by the next run.
	entry := run.Status.Component(status.Releases)
	version := &status.VersionEntry{Subversion: subversion}
	entry.SetVersion(label, version)
	if err := run.Checkpoint(status.Releases); err != nil {
		return err
	}

	var items []fetch.Item
	for _, file := range release.URLList {
		items = append(items, fetch.Item{Name: file.Name, URL: file.URL})
	}

	batchCtx, cancel := batchContext(ctx, r.BatchTimeout)
	results := run.Fetcher.FetchBatch(batchCtx, items, dir, r.Concurrency)
	cancel()

	if err := ctx.Err(); err != nil {
		return err
	}

	for _, failed := range fetch.Failed(results) {
		run.Log.WithError(failed.Err).WithFields(log.Fields{
			"version": label,
			"file":    failed.Name,
		}).Error("Failed to fetch release artifact")
		version.Missing = append(version.Missing, failed.Name)
	}

	version.LastUpdated = run.Now()
	return run.Checkpoint(status.Releases)
}

// countFiles returns the number of entries in dir that aren't directories.
func countFiles(fs afero.Fs, dir string) (int, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	count := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			count++
		}
	}
	return count, nil
}
