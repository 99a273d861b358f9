package sync

import (
	"context"
	"sort"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/gitmirror"
	"github.com/sidkik/mirror/pkg/manifest"
	"github.com/sidkik/mirror/pkg/status"
)

// Registries mirrors package registries, and indexes the packages they list
// for the packages component.
type Registries struct {
	Mirror gitmirror.Mirror

	// Registries maps registry names to their upstream repositories.
	Registries map[string]string

	// IgnoreInvalid continues with the remaining registries when one of
	// them fails to synchronize.
	IgnoreInvalid bool
}

func (r Registries) Name() string { return status.Registries }

func (r Registries) Apply(ctx context.Context, run *Run) error {
	l := run.Layout
	if err := l.EnsureDir(l.RegistriesDir()); err != nil {
		return err
	}

	var names []string
	for name := range r.Registries {
		names = append(names, name)
	}
	sort.Strings(names)

	var failed []string
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := r.syncRegistry(ctx, run, name); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			logger := run.Log.WithError(err).WithField("registry", name)
			if !r.IgnoreInvalid {
				logger.Error("Failed to synchronize registry")
				return errors.WithContext(err, "registry "+name)
			}
			logger.Warn("Failed to synchronize registry. Continuing with the remaining registries.")
			failed = append(failed, name)
		}
	}

	// Every registry the mirror has tracked is listed, including the ones
	// that failed this run.
	var listed []string
	for name := range run.Status.Component(status.Registries).Registries {
		listed = append(listed, name)
	}
	if err := l.WriteRegistryList(listed); err != nil {
		return errors.WithContext(err, "write registry list")
	}

	if len(failed) != 0 {
		run.Log.WithField("registries", failed).Warn("Some registries are out of date")
	}
	return nil
}

func (r Registries) syncRegistry(ctx context.Context, run *Run, name string) error {
	entry := run.Status.Component(status.Registries).Registry(name)
	if entry.CreatedTime == "" {
		entry.CreatedTime = run.Now()
	}
	entry.Status = status.Synchronizing
	if err := run.Checkpoint(); err != nil {
		return err
	}

	err := r.updateRegistry(ctx, run, name)
	if err != nil {
		entry.Status = status.Failed
	} else {
		entry.Status = status.Updated
		entry.LastUpdated = run.Now()
	}

	if saveErr := run.Checkpoint(); saveErr != nil && err == nil {
		err = saveErr
	}
	return err
}

func (r Registries) updateRegistry(ctx context.Context, run *Run, name string) error {
	l := run.Layout
	logger := run.Log.WithField("registry", name)

	err := gitmirror.Update(ctx, r.Mirror, r.Registries[name],
		l.RegistryMirrorDir(name), l.RegistryDir(name))
	if err != nil {
		return err
	}

	scan, err := manifest.ScanRegistry(run.Fs(), l.RegistryDir(name))
	if err != nil {
		return errors.WithContext(err, "scan registry")
	}

	for _, invalid := range scan.Invalid {
		logger.WithError(invalid).Warn("Skipping invalid package entry")
	}

	for _, pkg := range scan.Removed {
		logger.WithField("package", pkg).Info("Package was removed from the registry. Deleting it.")
		if err := l.UnlinkPackage(name, pkg); err != nil {
			return errors.WithContext(err, "delete package "+pkg)
		}
	}

	orphans, err := l.PruneRegistryOrphans(name)
	if err != nil {
		return errors.WithContext(err, "prune removed packages")
	}

	run.Index.Set(name, scan.Packages)
	logger.WithFields(log.Fields{
		"packages": len(scan.Packages),
		"removed":  len(scan.Removed) + len(orphans),
		"invalid":  len(scan.Invalid),
	}).Info("Indexed registry")
	return nil
}
