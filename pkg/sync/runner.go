package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/fetch"
	"github.com/sidkik/mirror/pkg/integrity"
	"github.com/sidkik/mirror/pkg/layout"
	"github.com/sidkik/mirror/pkg/metrics"
	"github.com/sidkik/mirror/pkg/status"
)

// Component is one independently synchronized part of the mirror.
type Component interface {
	// Name is the component's key in the status document.
	Name() string

	// Apply brings the component up to date. The Runner persists the
	// component's lifecycle state around the call; Apply checkpoints any
	// finer grained progress itself.
	Apply(ctx context.Context, run *Run) error
}

// dependent is implemented by components that can only be synchronized if
// other components succeeded.
type dependent interface {
	DependsOn() []string
}

// Run is the state shared by the components during one synchronization.
type Run struct {
	ID        string
	Status    *status.Status
	Layout    *layout.Layout
	Fetcher   *fetch.Fetcher
	Integrity *integrity.Store
	Metrics   *metrics.Metrics

	// Index is filled in by the registries component, and read by the
	// packages component.
	Index *Index

	Log *log.Entry

	store *status.Store
}

// Checkpoint persists the status document, stamping the named components.
func (run *Run) Checkpoint(touched ...string) error {
	if err := run.store.Save(run.Status, touched...); err != nil {
		return errors.WithContext(err, "save status")
	}
	return nil
}

// Now returns the current time in the status document's format.
func (run *Run) Now() string {
	return run.store.Now()
}

// Fs returns the filesystem the mirror is stored on.
func (run *Run) Fs() afero.Fs {
	return run.Layout.Fs()
}

// Config configures a Runner.
type Config struct {
	Fs afero.Fs

	// Root is the directory the mirror is stored in.
	Root string

	// Name identifies the mirror in its status document.
	Name     string
	Settings status.Settings

	Components []Component

	// Optional. Defaults are created from the fields above.
	Fetcher *fetch.Fetcher
	Metrics *metrics.Metrics
	Clock   clockwork.Clock
}

// Runner synchronizes components one after another.
type Runner struct {
	name       string
	settings   status.Settings
	components []Component

	layout    *layout.Layout
	store     *status.Store
	fetcher   *fetch.Fetcher
	integrity *integrity.Store
	metrics   *metrics.Metrics
	clock     clockwork.Clock
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = fetch.New(fetch.Options{
			Fs:      cfg.Fs,
			Retry:   fetch.DefaultRetryPolicy(),
			Metrics: cfg.Metrics,
		})
	}

	l := layout.New(cfg.Fs, cfg.Root)
	return &Runner{
		name:       cfg.Name,
		settings:   cfg.Settings,
		components: cfg.Components,
		layout:     l,
		store:      status.NewStore(cfg.Fs, l.StatusFile(), cfg.Clock),
		fetcher:    cfg.Fetcher,
		integrity:  integrity.New(cfg.Fs),
		metrics:    cfg.Metrics,
		clock:      cfg.Clock,
	}
}

// Metrics returns the metrics collected by the runner.
func (r *Runner) Metrics() *metrics.Metrics {
	return r.metrics
}

// FailedError is returned by Run when components failed or were skipped.
type FailedError struct {
	Failed  map[string]error
	Skipped []string
}

func (err FailedError) Error() string {
	var names []string
	for _, name := range status.Components {
		if _, ok := err.Failed[name]; ok {
			names = append(names, name)
		}
	}
	for name := range err.Failed {
		if !contains(status.Components, name) {
			names = append(names, name)
		}
	}

	msg := fmt.Sprintf("failed to update %s", strings.Join(names, ", "))
	if len(err.Skipped) != 0 {
		msg += fmt.Sprintf(" (skipped %s)", strings.Join(err.Skipped, ", "))
	}
	return msg
}

// Run synchronizes every component. A failed component is logged and the
// next one is started. The returned error lists what failed.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.layout.EnsureDir(r.layout.Root()); err != nil {
		return errors.WithContext(err, "create mirror root")
	}

	st, err := r.store.Open(r.name, r.settings)
	if err != nil {
		return errors.WithContext(err, "open status")
	}

	id := uuid.New().String()
	run := &Run{
		ID:        id,
		Status:    st,
		Layout:    r.layout,
		Fetcher:   r.fetcher,
		Integrity: r.integrity,
		Metrics:   r.metrics,
		Index:     NewIndex(),
		Log:       log.WithField("run", id),
		store:     r.store,
	}
	run.Log.WithField("root", r.layout.Root()).Info("Starting mirror update")

	result := FailedError{Failed: map[string]error{}}
	for _, c := range r.components {
		if ctx.Err() != nil {
			break
		}

		if dep, ok := blockedBy(c, result.Failed); ok {
			run.Log.WithFields(log.Fields{
				"component":  c.Name(),
				"dependency": dep,
			}).Warn("Skipping component because a component it depends on failed")
			result.Skipped = append(result.Skipped, c.Name())
			continue
		}

		if err := r.runComponent(ctx, run, c); err != nil {
			run.Log.WithError(err).WithField("component", c.Name()).Error("Failed to update component")
			result.Failed[c.Name()] = err
		}
	}

	if ctx.Err() != nil {
		return errors.WithContext(ctx.Err(), "mirror update interrupted")
	}
	if len(result.Failed) != 0 || len(result.Skipped) != 0 {
		return result
	}
	run.Log.Info("Mirror update completed")
	return nil
}

// runComponent moves a component through its lifecycle and returns the
// error from applying it.
func (r *Runner) runComponent(ctx context.Context, run *Run, c Component) error {
	name := c.Name()
	logger := run.Log.WithField("component", name)

	entry := run.Status.Component(name)
	if entry.CreatedTime == "" {
		entry.CreatedTime = run.Now()
	}
	if err := r.setStatus(run, name, status.Synchronizing); err != nil {
		return err
	}

	logger.Info("Updating component")
	start := r.clock.Now()
	applyErr := c.Apply(ctx, run)
	r.metrics.ComponentDuration.WithLabelValues(name).Set(r.clock.Now().Sub(start).Seconds())

	final := status.Updated
	if applyErr != nil {
		final = status.Failed
	}
	if err := r.setStatus(run, name, final); err != nil {
		if applyErr != nil {
			logger.WithError(err).Error("Failed to record component failure")
			return applyErr
		}
		return err
	}

	if applyErr == nil {
		r.metrics.ComponentTimestamp.WithLabelValues(name).Set(float64(r.clock.Now().Unix()))
		logger.Info("Component update completed")
	}
	return applyErr
}

func (r *Runner) setStatus(run *Run, name, state string) error {
	run.Status.Component(name).Status = state
	r.metrics.SetComponentStatus(name, state, status.States)
	return run.Checkpoint(name)
}

func blockedBy(c Component, failed map[string]error) (string, bool) {
	d, ok := c.(dependent)
	if !ok {
		return "", false
	}

	for _, dep := range d.DependsOn() {
		if _, ok := failed[dep]; ok {
			return dep, true
		}
	}
	return "", false
}

// batchContext bounds a batch of downloads by timeout, if it's positive.
func batchContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
