package status

import (
	"encoding/json"
	"os"
	"path/filepath"

	goVersion "github.com/hashicorp/go-version"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/fsutil"
)

// Store reads and writes the status document.
type Store struct {
	fs    afero.Fs
	path  string
	clock clockwork.Clock
}

// NewStore returns a Store for the document at path.
func NewStore(fs afero.Fs, path string, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{fs: fs, path: path, clock: clock}
}

// Path returns the location of the status document.
func (s *Store) Path() string { return s.path }

// Now returns the current time as it's written in the document.
func (s *Store) Now() string {
	return s.clock.Now().Format(TimeFormat)
}

// Load reads the status document. It returns nil if the document doesn't
// exist yet.
func (s *Store) Load() (*Status, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithContext(err, "read")
	}

	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errors.WithContext(err, "parse")
	}
	return &st, nil
}

// Initialize fills in whatever is missing from prev and persists the
// result. Existing component state is kept, so initializing an existing
// mirror doesn't lose progress. If prev is nil, a new document is created.
func (s *Store) Initialize(prev *Status, name string, settings Settings) (*Status, error) {
	st := prev
	if st == nil {
		st = &Status{}
	}

	now := s.Now()
	if st.CreatedTime == "" {
		st.CreatedTime = now
	}
	st.Name = name
	st.MirrorVersion = SchemaVersion
	st.Config = settings

	for _, component := range Components {
		entry := st.Component(component)
		if entry.CreatedTime == "" {
			entry.CreatedTime = now
		}
	}

	if err := s.Save(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Open loads the status document and reconciles it with the running binary
// and settings. The result is persisted before it's returned.
func (s *Store) Open(name string, settings Settings) (*Status, error) {
	st, err := s.Load()
	if err != nil {
		return nil, err
	}

	if st == nil {
		log.WithField("path", s.path).Info("Creating new status file")
		return s.Initialize(nil, name, settings)
	}

	if st.MirrorVersion != SchemaVersion {
		checkSchema(st.MirrorVersion)
	} else {
		prev, next := st.Config.fields(), settings.fields()
		for _, key := range st.Config.Diff(settings) {
			log.WithFields(log.Fields{
				"setting": key,
				"from":    prev[key],
				"to":      next[key],
			}).Warn("Setting changed since the last run. The new value will be used.")
		}
	}

	for _, component := range Components {
		if entry, ok := st.Components[component]; ok && entry.Status == Synchronizing {
			log.WithField("component", component).Warn(
				"The previous run was interrupted. Content will be verified again.")
		}
	}
	return s.Initialize(st, name, settings)
}

func checkSchema(stored string) {
	logger := log.WithFields(log.Fields{
		"stored":  stored,
		"current": SchemaVersion,
	})

	storedVersion, err := goVersion.NewVersion(stored)
	if err != nil {
		logger.Warn("Status file has an unrecognized version. Reinitializing.")
		return
	}

	if storedVersion.GreaterThan(goVersion.Must(goVersion.NewVersion(SchemaVersion))) {
		logger.Warn("Status file was written by a newer version of the mirror. " +
			"Reinitializing, but some state may be lost.")
		return
	}
	logger.Info("Upgrading status file")
}

// Save writes the full document, stamping the document and the named
// components with the current time.
func (s *Store) Save(st *Status, touched ...string) error {
	now := s.Now()
	st.LastUpdated = now
	for _, name := range touched {
		st.Component(name).LastUpdated = now
	}

	data, err := json.MarshalIndent(st, "", "    ")
	if err != nil {
		return errors.WithContext(err, "encode status")
	}
	data = append(data, '\n')

	if err := s.fs.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return errors.WithContext(err, "mkdir")
	}
	return errors.WithContext(fsutil.WriteFileAtomic(s.fs, s.path, data, 0644), "write status")
}
