package config

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/mirror/pkg/errors"
)

const (
	// DefaultPath is where the mirror config is read from if no path is
	// given.
	DefaultPath = "~/.mirror.yaml"

	// InitialMirrorConfigVersion is the first version of the mirror config.
	// Config files that do not specify a version will default to this
	// version.
	InitialMirrorConfigVersion = "v1alpha1"

	// SupportedMirrorConfigVersion is the version of the mirror config
	// understood by this binary.
	SupportedMirrorConfigVersion = "v1alpha1"

	// GeneralRegistry is the default package registry.
	GeneralRegistry = "General"

	DefaultReleaseInfoURL = "https://github.com/sunoru/julia-mirror/raw/master/data/releaseinfo.json"
	DefaultMetadataURL    = "https://github.com/JuliaLang/METADATA.jl.git"
	DefaultClientURL      = "https://github.com/sunoru/PkgMirrors.jl.git"
	DefaultTarballBase    = "https://api.github.com/repos"
)

// KnownRegistries are the registries that can be added by name.
var KnownRegistries = map[string]string{
	GeneralRegistry: "https://github.com/JuliaRegistries/General.git",
}

// Mirror is the configuration of a mirror run.
type Mirror struct {
	Version string `json:"version,omitempty"`

	// Root is the directory the mirror is stored in.
	Root string `json:"root,omitempty"`

	// Name identifies the mirror in its status file. Defaults to the
	// hostname.
	Name string `json:"name,omitempty"`

	Releases bool `json:"releases"`
	Metadata bool `json:"metadata"`
	Packages bool `json:"packages"`
	Client   bool `json:"client"`

	// Registries maps registry names to their git URLs. If unset, the
	// General registry is mirrored.
	Registries map[string]string `json:"registries,omitempty"`

	SyncLatest            bool `json:"syncLatest,omitempty"`
	IgnoreInvalidRegistry bool `json:"ignoreInvalidRegistry,omitempty"`
	ForceResync           bool `json:"forceResync,omitempty"`

	// Concurrency is the maximum number of parallel downloads.
	Concurrency int `json:"concurrency,omitempty"`

	TempDir string `json:"tempDir,omitempty"`

	// BatchTimeout bounds each batch of parallel downloads. Zero means no
	// limit.
	BatchTimeout Duration `json:"batchTimeout,omitempty"`

	Retry    Retry    `json:"retry"`
	Upstream Upstream `json:"upstream"`

	// MetricsFile is where Prometheus metrics are written after the run.
	MetricsFile string `json:"metricsFile,omitempty"`
}

// Retry configures retries of failed downloads.
type Retry struct {
	Attempts int      `json:"attempts"`
	Delay    Duration `json:"delay,omitempty"`
}

// Upstream holds the locations content is mirrored from.
type Upstream struct {
	ReleaseInfo string `json:"releaseInfo,omitempty"`
	Metadata    string `json:"metadata,omitempty"`
	Client      string `json:"client,omitempty"`
	TarballBase string `json:"tarballBase,omitempty"`
}

func (m Mirror) getVersion() string {
	return m.Version
}

// Duration is a time.Duration that's written as a string such as "30s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Default returns the configuration used when no config file exists.
func Default() Mirror {
	return Mirror{
		Version:     SupportedMirrorConfigVersion,
		Releases:    true,
		Metadata:    true,
		Packages:    true,
		Client:      true,
		Concurrency: 4,
		Retry:       Retry{Attempts: 3},
		Upstream: Upstream{
			ReleaseInfo: DefaultReleaseInfoURL,
			Metadata:    DefaultMetadataURL,
			Client:      DefaultClientURL,
			TarballBase: DefaultTarballBase,
		},
	}
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// ParseMirror reads the config at path on top of the defaults. If path is
// empty, the default path is used, and a missing file isn't an error.
func ParseMirror(fs afero.Fs, path string) (Mirror, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	path, err := homedirExpand(path)
	if err != nil {
		return Mirror{}, errors.WithContext(err, "expand config path")
	}

	config := Default()
	err = decodeMirror(fs, path, &config)
	if err != nil {
		if _, ok := err.(errors.FileNotFound); ok && !explicit {
			log.WithField("path", path).Debug("No config file. Using defaults.")
			return Default(), nil
		}
		if _, ok := err.(errors.FileNotFound); ok {
			return Mirror{}, errors.NewFriendlyError(
				"The mirror config file doesn't exist at %q. "+
					"Run `mirror config init` to create it.", path)
		}
		return Mirror{}, errors.WithContext(err, "parse")
	}

	if config.Root != "" {
		config.Root, err = homedirExpand(config.Root)
		if err != nil {
			return Mirror{}, errors.WithContext(err, "expand root path")
		}

		// Evaluate relative paths relative to the config path.
		if !filepath.IsAbs(config.Root) {
			config.Root = filepath.Join(filepath.Dir(path), config.Root)
		}
	}
	return config, nil
}

// WriteMirror writes cfg to path, which may start with ~.
func WriteMirror(fs afero.Fs, path string, cfg Mirror) error {
	cfg.Version = SupportedMirrorConfigVersion
	path, err := homedirExpand(path)
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// EffectiveRegistries returns the registries to mirror.
func (m Mirror) EffectiveRegistries() map[string]string {
	if m.Registries == nil {
		return map[string]string{GeneralRegistry: KnownRegistries[GeneralRegistry]}
	}
	return m.Registries
}

// Finalize resolves settings that depend on each other and checks that the
// result is usable. It should be called after all overrides are applied.
func (m *Mirror) Finalize() error {
	if m.Root == "" {
		return errors.NewFriendlyError("No mirror root was given. " +
			"Pass it as an argument or set `root` in the config file.")
	}

	root, err := homedirExpand(m.Root)
	if err != nil {
		return errors.WithContext(err, "expand root path")
	}
	if m.Root, err = filepath.Abs(root); err != nil {
		return errors.WithContext(err, "resolve root path")
	}

	m.Registries = m.EffectiveRegistries()
	for name, url := range m.Registries {
		if name == "" || filepath.Base(name) != name || name == "." || name == ".." {
			return errors.NewFriendlyError("Invalid registry name %q.", name)
		}
		if url == "" {
			return errors.NewFriendlyError("Registry %q has no URL.", name)
		}
	}

	if len(m.Registries) == 0 && m.Packages {
		log.Info("No registries are mirrored, so packages won't be mirrored either")
		m.Packages = false
	}
	if m.SyncLatest && !m.Packages {
		return errors.NewFriendlyError(
			"Latest package snapshots can only be mirrored along with packages.")
	}

	if m.Concurrency < 1 {
		return errors.NewFriendlyError("Concurrency must be at least 1, got %d.", m.Concurrency)
	}
	if m.Retry.Attempts < 1 {
		return errors.NewFriendlyError("Retry attempts must be at least 1, got %d.", m.Retry.Attempts)
	}
	if m.BatchTimeout.Duration < 0 || m.Retry.Delay.Duration < 0 {
		return errors.NewFriendlyError("Durations can't be negative.")
	}

	if m.TempDir != "" {
		if m.TempDir, err = homedirExpand(m.TempDir); err != nil {
			return errors.WithContext(err, "expand temp dir")
		}
	}
	return nil
}
