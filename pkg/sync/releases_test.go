package sync

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/manifest"
	"github.com/sidkik/mirror/pkg/status"
)

func (env *testEnv) releases() Releases {
	return Releases{
		ManifestURL: env.upstream.URL("/releaseinfo.json"),
		Concurrency: 2,
	}
}

func (env *testEnv) release(subversion string, names ...string) manifest.Release {
	release := manifest.Release{Subversion: subversion}
	for _, name := range names {
		path := "/download/" + name
		env.upstream.set(path, "contents of "+name)
		release.URLList = append(release.URLList, manifest.File{Name: name, URL: env.upstream.URL(path)})
	}
	return release
}

func TestReleasesInitialSync(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.setReleases(t, manifest.Releases{Versions: map[string]manifest.Release{
		"v1.0":   env.release("v1.0.3", "julia-1.0.3-linux-x86_64.tar.gz", "julia-1.0.3-win64.exe"),
		"latest": env.release("", "julia-latest-linux64.tar.gz"),
	}})

	require.NoError(t, env.runner(env.releases()).Run(context.Background()))

	assert.Equal(t, "contents of julia-1.0.3-win64.exe",
		readFile(t, env.path("releases", "v1.0", "julia-1.0.3-win64.exe")))
	assert.True(t, exists(env.path("releases", "latest", "julia-latest-linux64.tar.gz")))
	assert.True(t, exists(env.path("releases", "releaseinfo.json")))

	st := env.loadStatus(t)
	entry := st.Components[status.Releases]
	require.NotNil(t, entry)
	assert.Equal(t, status.Updated, entry.Status)
	assert.NotEmpty(t, entry.LastUpdated)

	assert.Equal(t, "v1.0.3", entry.Versions["v1.0"].Subversion)
	assert.NotEmpty(t, entry.Versions["v1.0"].LastUpdated)
	assert.Empty(t, entry.Versions["v1.0"].Missing)
	assert.Equal(t, manifest.LatestLabel, entry.Versions["latest"].Subversion)
}

func TestReleasesIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.setReleases(t, manifest.Releases{Versions: map[string]manifest.Release{
		"v1.0":   env.release("v1.0.3", "julia-1.0.3.tar.gz"),
		"latest": env.release("", "julia-latest.tar.gz"),
	}})

	for i := 0; i < 3; i++ {
		require.NoError(t, env.runner(env.releases()).Run(context.Background()))
	}

	// Stable versions are only fetched once, but the latest build changes
	// under the same name.
	assert.Equal(t, 1, env.upstream.count("/download/julia-1.0.3.tar.gz"))
	assert.Equal(t, 3, env.upstream.count("/download/julia-latest.tar.gz"))
	assert.Equal(t, 3, env.upstream.count("/releaseinfo.json"))
}

func TestReleasesSkipsBadEntries(t *testing.T) {
	env := newTestEnv(t)
	good := env.release("v1.0.3", "julia-1.0.3.tar.gz")
	good.URLList = append(good.URLList, good.URLList[0])
	bad := env.release("v0.7.0", "julia-0.7.0.tar.gz")
	bad.URLList[0].Name = "../evil.tar.gz"
	env.upstream.setReleases(t, manifest.Releases{Versions: map[string]manifest.Release{
		"v1.0": good,
		"v0.7": bad,
	}})

	for i := 0; i < 3; i++ {
		require.NoError(t, env.runner(env.releases()).Run(context.Background()))
	}

	assert.True(t, exists(env.path("releases", "v1.0", "julia-1.0.3.tar.gz")))
	assert.Equal(t, 1, env.upstream.count("/download/julia-1.0.3.tar.gz"))

	assert.False(t, exists(env.path("releases", "v0.7")))
	assert.False(t, exists(env.path("releases", "evil.tar.gz")))
	assert.Equal(t, 0, env.upstream.count("/download/julia-0.7.0.tar.gz"))
	assert.NotContains(t, env.loadStatus(t).Components[status.Releases].Versions, "v0.7")
}

func TestReleasesSubversionChange(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.setReleases(t, manifest.Releases{Versions: map[string]manifest.Release{
		"v1.0": env.release("v1.0.3", "julia-1.0.3.tar.gz"),
	}})
	require.NoError(t, env.runner(env.releases()).Run(context.Background()))

	env.upstream.setReleases(t, manifest.Releases{Versions: map[string]manifest.Release{
		"v1.0": env.release("v1.0.4", "julia-1.0.4.tar.gz"),
	}})
	require.NoError(t, env.runner(env.releases()).Run(context.Background()))

	assert.True(t, exists(env.path("releases", "v1.0", "julia-1.0.4.tar.gz")))
	assert.False(t, exists(env.path("releases", "v1.0", "julia-1.0.3.tar.gz")))
	assert.Equal(t, "v1.0.4", env.loadStatus(t).Components[status.Releases].Versions["v1.0"].Subversion)
}

func TestReleasesMissingArtifact(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.setReleases(t, manifest.Releases{Versions: map[string]manifest.Release{
		"v1.1": env.release("v1.1.0", "julia-1.1.0.tar.gz", "julia-1.1.0.dmg"),
	}})
	env.upstream.fail("/download/julia-1.1.0.dmg", http.StatusNotFound)

	// A missing artifact doesn't fail the component.
	require.NoError(t, env.runner(env.releases()).Run(context.Background()))

	entry := env.loadStatus(t).Components[status.Releases]
	assert.Equal(t, status.Updated, entry.Status)
	assert.Equal(t, []string{"julia-1.1.0.dmg"}, entry.Versions["v1.1"].Missing)
	assert.True(t, exists(env.path("releases", "v1.1", "julia-1.1.0.tar.gz")))

	// The next run retries the version.
	env.upstream.set("/download/julia-1.1.0.dmg", "contents of julia-1.1.0.dmg")
	require.NoError(t, env.runner(env.releases()).Run(context.Background()))

	entry = env.loadStatus(t).Components[status.Releases]
	assert.Empty(t, entry.Versions["v1.1"].Missing)
	assert.True(t, exists(env.path("releases", "v1.1", "julia-1.1.0.dmg")))
	assert.Equal(t, 2, env.upstream.count("/download/julia-1.1.0.tar.gz"))
}

func TestReleasesInterruptedDownload(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.setReleases(t, manifest.Releases{Versions: map[string]manifest.Release{
		"v1.0": env.release("v1.0.3", "julia-1.0.3.tar.gz"),
	}})
	require.NoError(t, env.runner(env.releases()).Run(context.Background()))

	// Simulate a crash after the new subversion was recorded, but before
	// its downloads completed.
	store := status.NewStore(afero.NewOsFs(), env.path("status.json"), env.clock)
	st, err := store.Load()
	require.NoError(t, err)
	st.Components[status.Releases].Status = status.Synchronizing
	st.Components[status.Releases].Versions["v1.0"].LastUpdated = ""
	require.NoError(t, store.Save(st))
	require.NoError(t, os.WriteFile(env.path("releases", "v1.0", "julia-1.0.3.tar.gz"), []byte("partial"), 0644))

	require.NoError(t, env.runner(env.releases()).Run(context.Background()))

	assert.Equal(t, "contents of julia-1.0.3.tar.gz", readFile(t, env.path("releases", "v1.0", "julia-1.0.3.tar.gz")))
	assert.Equal(t, 2, env.upstream.count("/download/julia-1.0.3.tar.gz"))
	entry := env.loadStatus(t).Components[status.Releases]
	assert.Equal(t, status.Updated, entry.Status)
	assert.NotEmpty(t, entry.Versions["v1.0"].LastUpdated)
}

func TestReleasesFileCountMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.setReleases(t, manifest.Releases{Versions: map[string]manifest.Release{
		"v1.0": env.release("v1.0.3", "julia-1.0.3.tar.gz"),
	}})
	require.NoError(t, env.runner(env.releases()).Run(context.Background()))

	require.NoError(t, os.Remove(env.path("releases", "v1.0", "julia-1.0.3.tar.gz")))
	require.NoError(t, env.runner(env.releases()).Run(context.Background()))

	assert.True(t, exists(env.path("releases", "v1.0", "julia-1.0.3.tar.gz")))
	assert.Equal(t, 2, env.upstream.count("/download/julia-1.0.3.tar.gz"))
}

func TestReleasesForce(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.setReleases(t, manifest.Releases{Versions: map[string]manifest.Release{
		"v1.0": env.release("v1.0.3", "julia-1.0.3.tar.gz"),
	}})
	require.NoError(t, env.runner(env.releases()).Run(context.Background()))

	forced := env.releases()
	forced.Force = true
	require.NoError(t, env.runner(forced).Run(context.Background()))
	assert.Equal(t, 2, env.upstream.count("/download/julia-1.0.3.tar.gz"))
}

func TestReleasesManifestUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.fail("/releaseinfo.json", http.StatusBadGateway)

	err := env.runner(env.releases()).Run(context.Background())
	var failed FailedError
	require.True(t, errors.As(err, &failed))
	assert.Contains(t, failed.Failed, status.Releases)
	assert.Equal(t, status.Failed, env.loadStatus(t).Components[status.Releases].Status)
}

func TestReleasesManifestFallback(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.setReleases(t, manifest.Releases{Versions: map[string]manifest.Release{
		"v1.0": env.release("v1.0.3", "julia-1.0.3.tar.gz"),
	}})
	require.NoError(t, env.runner(env.releases()).Run(context.Background()))

	// The previous copy of the manifest is used if upstream is down.
	env.upstream.fail("/releaseinfo.json", http.StatusServiceUnavailable)
	require.NoError(t, env.runner(env.releases()).Run(context.Background()))
	assert.Equal(t, status.Updated, env.loadStatus(t).Components[status.Releases].Status)
}

func TestReleasesLayoutConflict(t *testing.T) {
	env := newTestEnv(t)
	env.upstream.setReleases(t, manifest.Releases{Versions: map[string]manifest.Release{
		"v1.0": env.release("v1.0.3", "julia-1.0.3.tar.gz"),
	}})
	require.NoError(t, os.MkdirAll(env.path("releases"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(env.path("releases"), "v1.0"), []byte("not a dir"), 0644))

	err := env.runner(env.releases()).Run(context.Background())
	var failed FailedError
	require.True(t, errors.As(err, &failed))
	assert.True(t, errors.As(failed.Failed[status.Releases], &errors.LayoutConflictError{}))
}

func TestCountFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/dir/sub", 0755))
	require.NoError(t, afero.WriteFile(fs, "/dir/a", nil, 0644))
	require.NoError(t, afero.WriteFile(fs, "/dir/b", nil, 0644))

	count, err := countFiles(fs, "/dir")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = countFiles(fs, "/missing")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
