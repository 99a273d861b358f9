package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	goSync "sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/fetch"
	"github.com/sidkik/mirror/pkg/manifest"
	"github.com/sidkik/mirror/pkg/metrics"
	"github.com/sidkik/mirror/pkg/status"
)

// fakeUpstream serves files over HTTP and counts the requests for each path.
type fakeUpstream struct {
	server *httptest.Server

	lock     goSync.Mutex
	files    map[string]string
	codes    map[string]int
	requests map[string]int
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	up := &fakeUpstream{
		files:    map[string]string{},
		codes:    map[string]int{},
		requests: map[string]int{},
	}
	up.server = httptest.NewServer(http.HandlerFunc(up.serve))
	t.Cleanup(up.server.Close)
	return up
}

func (up *fakeUpstream) serve(w http.ResponseWriter, r *http.Request) {
	up.lock.Lock()
	defer up.lock.Unlock()

	up.requests[r.URL.Path]++
	if code, ok := up.codes[r.URL.Path]; ok {
		w.WriteHeader(code)
		return
	}

	body, ok := up.files[r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	fmt.Fprint(w, body)
}

func (up *fakeUpstream) URL(path string) string {
	return up.server.URL + path
}

func (up *fakeUpstream) set(path, body string) {
	up.lock.Lock()
	defer up.lock.Unlock()
	up.files[path] = body
	delete(up.codes, path)
}

func (up *fakeUpstream) fail(path string, code int) {
	up.lock.Lock()
	defer up.lock.Unlock()
	up.codes[path] = code
}

func (up *fakeUpstream) count(path string) int {
	up.lock.Lock()
	defer up.lock.Unlock()
	return up.requests[path]
}

func (up *fakeUpstream) setReleases(t *testing.T, releases manifest.Releases) {
	data, err := json.Marshal(releases)
	require.NoError(t, err)
	up.set("/releaseinfo.json", string(data))
}

// fakeMirror implements gitmirror.Mirror by copying file maps into place.
// Repositories are keyed by their upstream URL.
type fakeMirror struct {
	lock    goSync.Mutex
	repos   map[string]map[string]string
	failing map[string]bool

	// origins maps local clones to the upstream they track.
	origins map[string]string
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{
		repos:   map[string]map[string]string{},
		failing: map[string]bool{},
		origins: map[string]string{},
	}
}

func (m *fakeMirror) setRepo(url string, files map[string]string) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.repos[url] = files
}

func (m *fakeMirror) CloneBareMirror(ctx context.Context, url, path string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.failing[url] {
		return errors.RepositoryMirrorError{Op: "clone", Path: path, Err: errors.New("unreachable")}
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}
	m.origins[path] = url
	return os.WriteFile(filepath.Join(path, "HEAD"), []byte("ref: refs/heads/master\n"), 0644)
}

func (m *fakeMirror) CloneWorkingTree(ctx context.Context, source, path string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.origins[path] = m.origins[source]
	if err := os.MkdirAll(filepath.Join(path, ".git"), 0755); err != nil {
		return err
	}
	return m.checkout(path)
}

func (m *fakeMirror) PullMirror(ctx context.Context, path string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	url := m.origins[path]
	if m.failing[url] {
		return errors.RepositoryMirrorError{Op: "pull", Path: path, Err: errors.New("unreachable")}
	}
	return nil
}

func (m *fakeMirror) PullWorkingTree(ctx context.Context, path string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.checkout(path)
}

// checkout resets path to the upstream files the way gitmirror.Git does.
// Untracked files are deleted, except for links in directories that still
// hold tracked files. Directories left empty are removed.
func (m *fakeMirror) checkout(path string) error {
	files := m.repos[m.origins[path]]
	keep := map[string]bool{path: true}
	for name := range files {
		for dir := filepath.Dir(filepath.Join(path, name)); !keep[dir]; dir = filepath.Dir(dir) {
			keep[dir] = true
		}
	}

	var dirs []string
	err := filepath.Walk(path, func(file string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(path, file)
		if err != nil {
			return err
		}
		_, tracked := files[filepath.ToSlash(rel)]

		switch {
		case info.IsDir() && info.Name() == ".git":
			return filepath.SkipDir
		case info.IsDir():
			dirs = append(dirs, file)
			return nil
		case tracked:
			return nil
		case info.Mode()&os.ModeSymlink != 0 && keep[filepath.Dir(file)]:
			return nil
		}
		return os.Remove(file)
	})
	if err != nil {
		return err
	}

	// Walk lists parents before children.
	for i := len(dirs) - 1; i >= 0; i-- {
		if !keep[dirs[i]] {
			if err := os.Remove(dirs[i]); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}

	for name, contents := range files {
		dest := filepath.Join(path, name)
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, []byte(contents), 0644); err != nil {
			return err
		}
	}
	return nil
}

type testEnv struct {
	root     string
	upstream *fakeUpstream
	git      *fakeMirror
	clock    clockwork.FakeClock
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	return &testEnv{
		root:     t.TempDir(),
		upstream: newFakeUpstream(t),
		git:      newFakeMirror(),
		clock:    clockwork.NewFakeClock(),
		metrics:  metrics.New(),
	}
}

func (env *testEnv) runner(components ...Component) *Runner {
	fs := afero.NewOsFs()
	return NewRunner(Config{
		Fs:         fs,
		Root:       env.root,
		Name:       "test-mirror",
		Components: components,
		Fetcher: fetch.New(fetch.Options{
			Fs:      fs,
			Client:  env.upstream.server.Client(),
			Retry:   fetch.RetryPolicy{Attempts: 1},
			Metrics: env.metrics,
		}),
		Metrics: env.metrics,
		Clock:   env.clock,
	})
}

func (env *testEnv) loadStatus(t *testing.T) *status.Status {
	st, err := status.NewStore(afero.NewOsFs(), filepath.Join(env.root, "status.json"), env.clock).Load()
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func (env *testEnv) path(parts ...string) string {
	return filepath.Join(append([]string{env.root}, parts...)...)
}

func readFile(t *testing.T, path string) string {
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// registryFiles adds the working tree files describing pkg, whose
// versions map labels to tree hashes.
func registryFiles(files map[string]string, pkg, repo string, versions map[string]string) {
	dir := strings.ToUpper(pkg[:1]) + "/" + pkg
	files[dir+"/Package.toml"] = fmt.Sprintf("name = %q\nuuid = \"%s-uuid\"\nrepo = %q\n", pkg, pkg, repo)

	var versionsToml strings.Builder
	for label, hash := range versions {
		fmt.Fprintf(&versionsToml, "[%q]\ngit-tree-sha1 = %q\n\n", label, hash)
	}
	files[dir+"/Versions.toml"] = versionsToml.String()
}
