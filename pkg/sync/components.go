package sync

import (
	"github.com/sidkik/mirror/pkg/config"
	"github.com/sidkik/mirror/pkg/gitmirror"
	"github.com/sidkik/mirror/pkg/status"
)

// ComponentsFor returns the components enabled by cfg, in the order they
// should be synchronized.
func ComponentsFor(cfg config.Mirror, mirror gitmirror.Mirror) []Component {
	var components []Component
	if cfg.Client {
		components = append(components, Client{Mirror: mirror, URL: cfg.Upstream.Client})
	}
	if cfg.Releases {
		components = append(components, Releases{
			ManifestURL:  cfg.Upstream.ReleaseInfo,
			Concurrency:  cfg.Concurrency,
			BatchTimeout: cfg.BatchTimeout.Duration,
			Force:        cfg.ForceResync,
		})
	}
	if cfg.Metadata {
		components = append(components, Metadata{Mirror: mirror, URL: cfg.Upstream.Metadata})
	}

	registries := cfg.EffectiveRegistries()
	if len(registries) != 0 {
		components = append(components, Registries{
			Mirror:        mirror,
			Registries:    registries,
			IgnoreInvalid: cfg.IgnoreInvalidRegistry,
		})
	}
	if cfg.Packages {
		components = append(components, Packages{
			TarballBase:  cfg.Upstream.TarballBase,
			SyncLatest:   cfg.SyncLatest,
			Concurrency:  cfg.Concurrency,
			BatchTimeout: cfg.BatchTimeout.Duration,
		})
	}
	return components
}

// SettingsFor returns the settings recorded in the status document for cfg.
func SettingsFor(cfg config.Mirror) status.Settings {
	return status.Settings{
		IgnoreInvalid:  cfg.IgnoreInvalidRegistry,
		MirrorClient:   cfg.Client,
		MirrorMetadata: cfg.Metadata,
		MirrorPackages: cfg.Packages,
		MirrorReleases: cfg.Releases,
		Registries:     cfg.EffectiveRegistries(),
		SyncLatest:     cfg.SyncLatest,
	}
}
