package sync

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/mirror/cmd/util"
	"github.com/sidkik/mirror/pkg/config"
	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/fetch"
	"github.com/sidkik/mirror/pkg/gitmirror"
	"github.com/sidkik/mirror/pkg/metrics"
	mirrorSync "github.com/sidkik/mirror/pkg/sync"
)

// Mocked for unit testing.
var getHostname = os.Hostname

type options struct {
	configPath string

	noReleases bool
	noMetadata bool
	noPackages bool
	noClient   bool
	noGeneral  bool

	addRegistries    []string
	customRegistries []string

	concurrency   int
	syncLatest    bool
	ignoreInvalid bool
	force         bool
	tempDir       string
	batchTimeout  time.Duration
	retries       int
	retryDelay    time.Duration
	mirrorName    string
	metricsFile   string
}

// New creates a new `sync` command.
func New() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "sync [root]",
		Short: "Update the mirror from upstream",
		Long: "Update the mirror stored at root from upstream.\n\n" +
			"Only content that changed since the last run is downloaded. A\n" +
			"component that fails doesn't stop the others, and is retried by\n" +
			"the next run.",
		Args: cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.ParseMirror(afero.NewOsFs(), opts.configPath)
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse config"))
			}

			if err := opts.apply(&cfg, args, cmd.Flags().Changed); err != nil {
				util.HandleFatalError(err)
			}

			if err := run(cfg); err != nil {
				util.HandleFatalError(err)
			}
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "",
		fmt.Sprintf("Path to the config file (default %s)", config.DefaultPath))
	flags.BoolVar(&opts.noReleases, "no-releases", false, "Don't mirror binary releases")
	flags.BoolVar(&opts.noMetadata, "no-metadata", false, "Don't mirror METADATA.jl")
	flags.BoolVar(&opts.noGeneral, "no-general", false,
		"Don't mirror the General registry (which is the default for registries)")
	flags.BoolVar(&opts.noPackages, "no-packages", false,
		"Don't mirror packages (set automatically if no registries are mirrored)")
	flags.BoolVar(&opts.noClient, "no-client", false, "Don't mirror the client library")
	flags.StringArrayVar(&opts.addRegistries, "add-registry", nil,
		"Mirror a known registry by name. Can be repeated.")
	flags.StringArrayVar(&opts.customRegistries, "add-custom-registry", nil,
		"Mirror a registry given as NAME=URL. Can be repeated.")
	flags.IntVar(&opts.concurrency, "max-processes", 0, "Maximum number of parallel downloads")
	flags.BoolVar(&opts.syncLatest, "sync-latest-packages", false,
		"Also mirror a snapshot of each package's head")
	flags.BoolVar(&opts.ignoreInvalid, "ignore-invalid-registry", false,
		"Continue with the other registries if one fails")
	flags.BoolVar(&opts.force, "force", false, "Refetch releases even if they look up to date")
	flags.StringVar(&opts.tempDir, "temp-dir", "", "Directory to stage downloads and clones in")
	flags.DurationVar(&opts.batchTimeout, "batch-timeout", 0,
		"Maximum time for each batch of parallel downloads (0 means no limit)")
	flags.IntVar(&opts.retries, "retries", 0, "Number of attempts for each download")
	flags.DurationVar(&opts.retryDelay, "retry-delay", 0, "Pause between download attempts")
	flags.StringVar(&opts.mirrorName, "mirror-name", "",
		"Name of the mirror in its status file (default the hostname)")
	flags.StringVar(&opts.metricsFile, "metrics-file", "",
		"Write Prometheus metrics to this file after the run")
	return cmd
}

// apply overrides cfg with the flags that were set, and validates the
// result.
func (opts options) apply(cfg *config.Mirror, args []string, changed func(string) bool) error {
	if len(args) == 1 {
		cfg.Root = args[0]
	}

	if opts.noReleases {
		cfg.Releases = false
	}
	if opts.noMetadata {
		cfg.Metadata = false
	}
	if opts.noPackages {
		cfg.Packages = false
	}
	if opts.noClient {
		cfg.Client = false
	}
	if opts.syncLatest {
		cfg.SyncLatest = true
	}
	if opts.ignoreInvalid {
		cfg.IgnoreInvalidRegistry = true
	}
	if opts.force {
		cfg.ForceResync = true
	}

	if err := opts.applyRegistries(cfg); err != nil {
		return err
	}

	if changed("max-processes") {
		cfg.Concurrency = opts.concurrency
	}
	if changed("temp-dir") {
		cfg.TempDir = opts.tempDir
	}
	if changed("batch-timeout") {
		cfg.BatchTimeout.Duration = opts.batchTimeout
	}
	if changed("retries") {
		cfg.Retry.Attempts = opts.retries
	}
	if changed("retry-delay") {
		cfg.Retry.Delay.Duration = opts.retryDelay
	}
	if changed("mirror-name") {
		cfg.Name = opts.mirrorName
	}
	if changed("metrics-file") {
		cfg.MetricsFile = opts.metricsFile
	}

	if cfg.Name == "" {
		hostname, err := getHostname()
		if err != nil {
			return errors.WithContext(err, "get hostname")
		}
		cfg.Name = hostname
	}

	return cfg.Finalize()
}

func (opts options) applyRegistries(cfg *config.Mirror) error {
	registries := map[string]string{}
	for name, url := range cfg.EffectiveRegistries() {
		registries[name] = url
	}

	if opts.noGeneral {
		delete(registries, config.GeneralRegistry)
	}

	for _, name := range opts.addRegistries {
		url, ok := config.KnownRegistries[name]
		if !ok {
			return errors.NewFriendlyError("Unknown registry %q. "+
				"Use --add-custom-registry to mirror a registry by URL.", name)
		}
		registries[name] = url
	}

	for _, custom := range opts.customRegistries {
		parts := strings.SplitN(custom, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return errors.NewFriendlyError("Invalid custom registry %q. Expected NAME=URL.", custom)
		}

		name, url := parts[0], parts[1]
		if _, ok := registries[name]; ok {
			return errors.NewFriendlyError("Registry %q is already being mirrored.", name)
		}
		registries[name] = url
	}

	cfg.Registries = registries
	return nil
}

func run(cfg config.Mirror) error {
	fs := afero.NewOsFs()
	m := metrics.New()

	fetcher := fetch.New(fetch.Options{
		Fs:      fs,
		TempDir: cfg.TempDir,
		Retry: fetch.RetryPolicy{
			Attempts: cfg.Retry.Attempts,
			Delay:    cfg.Retry.Delay.Duration,
		},
		Metrics: m,
	})
	git := gitmirror.New(gitmirror.Options{TempDir: cfg.TempDir})

	runner := mirrorSync.NewRunner(mirrorSync.Config{
		Fs:         fs,
		Root:       cfg.Root,
		Name:       cfg.Name,
		Settings:   mirrorSync.SettingsFor(cfg),
		Components: mirrorSync.ComponentsFor(cfg, git),
		Fetcher:    fetcher,
		Metrics:    m,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := runner.Run(ctx)

	if cfg.MetricsFile != "" {
		if err := m.WriteTextfile(cfg.MetricsFile); err != nil {
			log.WithError(err).WithField("path", cfg.MetricsFile).Error("Failed to write metrics")
		}
	}

	if runErr != nil {
		var failed mirrorSync.FailedError
		if errors.As(runErr, &failed) {
			return errors.NewFriendlyError("Mirror update incomplete: %s.\n"+
				"Run `mirror status %s` for details.", failed, cfg.Root)
		}
		return errors.WithContext(runErr, "update mirror")
	}

	fmt.Printf("Mirror at %s is up to date\n", cfg.Root)
	return nil
}
