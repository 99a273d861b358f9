package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/mirror/pkg/config"
	"github.com/sidkik/mirror/pkg/errors"
)

func mockHostname(t *testing.T, name string) {
	orig := getHostname
	t.Cleanup(func() { getHostname = orig })
	getHostname = func() (string, error) { return name, nil }
}

func TestApply(t *testing.T) {
	general := config.KnownRegistries[config.GeneralRegistry]

	tests := []struct {
		name     string
		opts     options
		args     []string
		changed  []string
		cfg      func() config.Mirror
		exp      func(*config.Mirror)
		expError string
	}{
		{
			name: "Defaults",
			args: []string{"/srv/mirror"},
			exp: func(cfg *config.Mirror) {
				cfg.Root = "/srv/mirror"
				cfg.Name = "mirror-host"
				cfg.Registries = map[string]string{config.GeneralRegistry: general}
			},
		},
		{
			name: "DisableComponents",
			args: []string{"/srv/mirror"},
			opts: options{noReleases: true, noMetadata: true, noClient: true},
			exp: func(cfg *config.Mirror) {
				cfg.Root = "/srv/mirror"
				cfg.Name = "mirror-host"
				cfg.Registries = map[string]string{config.GeneralRegistry: general}
				cfg.Releases, cfg.Metadata, cfg.Client = false, false, false
			},
		},
		{
			name: "NoRegistriesDisablesPackages",
			args: []string{"/srv/mirror"},
			opts: options{noGeneral: true},
			exp: func(cfg *config.Mirror) {
				cfg.Root = "/srv/mirror"
				cfg.Name = "mirror-host"
				cfg.Registries = map[string]string{}
				cfg.Packages = false
			},
		},
		{
			name:     "SyncLatestWithoutRegistries",
			args:     []string{"/srv/mirror"},
			opts:     options{noGeneral: true, syncLatest: true},
			expError: "Latest package snapshots can only be mirrored along with packages.",
		},
		{
			name: "CustomRegistry",
			args: []string{"/srv/mirror"},
			opts: options{
				noGeneral:        true,
				customRegistries: []string{"Internal=https://git.example.com/Internal.git"},
			},
			exp: func(cfg *config.Mirror) {
				cfg.Root = "/srv/mirror"
				cfg.Name = "mirror-host"
				cfg.Registries = map[string]string{"Internal": "https://git.example.com/Internal.git"}
			},
		},
		{
			name:     "DuplicateCustomRegistry",
			args:     []string{"/srv/mirror"},
			opts:     options{customRegistries: []string{"General=https://git.example.com/General.git"}},
			expError: `Registry "General" is already being mirrored.`,
		},
		{
			name:     "MalformedCustomRegistry",
			args:     []string{"/srv/mirror"},
			opts:     options{customRegistries: []string{"Internal"}},
			expError: `Invalid custom registry "Internal". Expected NAME=URL.`,
		},
		{
			name:     "UnknownRegistry",
			args:     []string{"/srv/mirror"},
			opts:     options{addRegistries: []string{"Unknown"}},
			expError: `Unknown registry "Unknown".`,
		},
		{
			name: "AddKnownRegistry",
			args: []string{"/srv/mirror"},
			opts: options{noGeneral: true, addRegistries: []string{config.GeneralRegistry}},
			exp: func(cfg *config.Mirror) {
				cfg.Root = "/srv/mirror"
				cfg.Name = "mirror-host"
				cfg.Registries = map[string]string{config.GeneralRegistry: general}
			},
		},
		{
			name: "OnlyChangedFlagsOverride",
			args: []string{"/srv/mirror"},
			opts: options{
				concurrency:  16,
				retries:      5,
				batchTimeout: time.Hour,
				mirrorName:   "mirror-1",
				tempDir:      "/var/tmp/mirror",
			},
			changed: []string{"max-processes", "batch-timeout", "mirror-name"},
			exp: func(cfg *config.Mirror) {
				cfg.Root = "/srv/mirror"
				cfg.Name = "mirror-1"
				cfg.Registries = map[string]string{config.GeneralRegistry: general}
				cfg.Concurrency = 16
				cfg.BatchTimeout.Duration = time.Hour
			},
		},
		{
			name: "RootFromConfig",
			cfg: func() config.Mirror {
				cfg := config.Default()
				cfg.Root = "/data/mirror"
				cfg.Name = "configured"
				return cfg
			},
			exp: func(cfg *config.Mirror) {
				cfg.Root = "/data/mirror"
				cfg.Name = "configured"
				cfg.Registries = map[string]string{config.GeneralRegistry: general}
			},
		},
		{
			name:     "NoRoot",
			expError: "No mirror root was given.",
		},
		{
			name:     "ZeroRetries",
			args:     []string{"/srv/mirror"},
			opts:     options{retries: 0},
			changed:  []string{"retries"},
			expError: "Retry attempts must be at least 1, got 0.",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			mockHostname(t, "mirror-host")

			cfg := config.Default()
			if test.cfg != nil {
				cfg = test.cfg()
			}

			changed := func(name string) bool {
				for _, c := range test.changed {
					if c == name {
						return true
					}
				}
				return false
			}

			err := test.opts.apply(&cfg, test.args, changed)
			if test.expError != "" {
				require.Error(t, err)
				assert.Contains(t, errors.GetFriendlyMessage(err), test.expError)
				return
			}
			require.NoError(t, err)

			exp := config.Default()
			test.exp(&exp)
			assert.Equal(t, exp, cfg)
		})
	}
}
