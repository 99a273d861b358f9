package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/metrics"
)

func newTestFetcher(fs afero.Fs, attempts int) (*Fetcher, *metrics.Metrics) {
	m := metrics.New()
	return New(Options{
		Fs:      fs,
		Retry:   RetryPolicy{Attempts: attempts},
		Metrics: m,
	}), m
}

func TestFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "julia binary")
	}))
	defer ts.Close()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/releases/v1.0", 0755))
	fetcher, m := newTestFetcher(fs, 3)

	err := fetcher.Fetch(context.Background(), ts.URL+"/a.tar.gz", "/releases/v1.0/a.tar.gz")
	assert.NoError(t, err)

	contents, err := afero.ReadFile(fs, "/releases/v1.0/a.tar.gz")
	assert.NoError(t, err)
	assert.Equal(t, "julia binary", string(contents))

	info, err := fs.Stat("/releases/v1.0/a.tar.gz")
	assert.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())

	entries, err := afero.ReadDir(fs, "/releases/v1.0")
	assert.NoError(t, err)
	assert.Len(t, entries, 1, "staging files should be cleaned up")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchesTotal.WithLabelValues(metrics.ResultSuccess)))
	assert.Equal(t, float64(len("julia binary")), testutil.ToFloat64(m.FetchedBytesTotal))
}

func TestFetchReplacesExisting(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "new")
	}))
	defer ts.Close()

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/dir/file", []byte("old contents"), 0600))
	fetcher, _ := newTestFetcher(fs, 1)

	assert.NoError(t, fetcher.Fetch(context.Background(), ts.URL, "/dir/file"))
	contents, err := afero.ReadFile(fs, "/dir/file")
	assert.NoError(t, err)
	assert.Equal(t, "new", string(contents))
}

func TestFetchRetries(t *testing.T) {
	tests := []struct {
		name        string
		failures    int32
		status      int
		attempts    int
		expRequests int32
		expErr      interface{}
	}{
		{
			name:        "RecoversFromServerErrors",
			failures:    2,
			status:      http.StatusServiceUnavailable,
			attempts:    3,
			expRequests: 3,
		},
		{
			name:        "GivesUpAfterAttempts",
			failures:    5,
			status:      http.StatusBadGateway,
			attempts:    2,
			expRequests: 2,
			expErr:      &errors.TransientFetchError{},
		},
		{
			name:        "NotFoundIsNotRetried",
			failures:    5,
			status:      http.StatusNotFound,
			attempts:    3,
			expRequests: 1,
			expErr:      &errors.DefinitiveFetchError{},
		},
		{
			name:        "ForbiddenIsNotRetried",
			failures:    5,
			status:      http.StatusForbidden,
			attempts:    3,
			expRequests: 1,
			expErr:      &errors.DefinitiveFetchError{},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			var requests int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if atomic.AddInt32(&requests, 1) <= test.failures {
					w.WriteHeader(test.status)
					return
				}
				fmt.Fprint(w, "ok")
			}))
			defer ts.Close()

			fs := afero.NewMemMapFs()
			fetcher, _ := newTestFetcher(fs, test.attempts)
			err := fetcher.Fetch(context.Background(), ts.URL+"/file", "/file")

			assert.Equal(t, test.expRequests, atomic.LoadInt32(&requests))
			if test.expErr == nil {
				assert.NoError(t, err)
				return
			}

			assert.Error(t, err)
			assert.True(t, errors.As(err, test.expErr), "unexpected error type: %v", err)
			exists, _ := afero.Exists(fs, "/file")
			assert.False(t, exists)
		})
	}
}

func TestFetchConnectionRefused(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := ts.URL
	ts.Close()

	fetcher, m := newTestFetcher(afero.NewMemMapFs(), 3)
	err := fetcher.Fetch(context.Background(), url, "/file")

	var transient errors.TransientFetchError
	assert.True(t, errors.As(err, &transient))
	assert.Equal(t, url, transient.URL)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FetchRetriesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchesTotal.WithLabelValues(metrics.ResultFailure)))
}

func TestFetchStagesInTempDir(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "contents")
	}))
	defer ts.Close()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/tmp/staging", 0755))
	require.NoError(t, fs.MkdirAll("/mirror", 0755))
	fetcher := New(Options{Fs: fs, TempDir: "/tmp/staging", Retry: DefaultRetryPolicy()})

	assert.NoError(t, fetcher.Fetch(context.Background(), ts.URL, "/mirror/file"))
	contents, err := afero.ReadFile(fs, "/mirror/file")
	assert.NoError(t, err)
	assert.Equal(t, "contents", string(contents))

	leftover, err := afero.ReadDir(fs, "/tmp/staging")
	assert.NoError(t, err)
	assert.Empty(t, leftover)
}

// A reader polling the destination while a slow download is in progress
// should only ever see the complete file.
func TestFetchNoPartialVisibility(t *testing.T) {
	const half = 64 * 1024
	body := strings.Repeat("a", half) + strings.Repeat("b", half)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		fmt.Fprint(w, body[:half])
		w.(http.Flusher).Flush()
		time.Sleep(100 * time.Millisecond)
		fmt.Fprint(w, body[half:])
	}))
	defer ts.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "artifact.tar.gz")
	fetcher, _ := newTestFetcher(afero.NewOsFs(), 1)

	done := make(chan struct{})
	var observedPartial int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if info, err := os.Stat(dest); err == nil && info.Size() != int64(len(body)) {
				atomic.StoreInt32(&observedPartial, 1)
			}
		}
	}()

	err := fetcher.Fetch(context.Background(), ts.URL, dest)
	close(done)
	wg.Wait()

	assert.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&observedPartial))
	contents, err := os.ReadFile(dest)
	assert.NoError(t, err)
	assert.Equal(t, body, string(contents))
}

func TestFetchBatch(t *testing.T) {
	var inFlight, maxInFlight int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			max := atomic.LoadInt32(&maxInFlight)
			if n <= max || atomic.CompareAndSwapInt32(&maxInFlight, max, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)

		if strings.HasSuffix(r.URL.Path, "missing") {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, strings.TrimPrefix(r.URL.Path, "/"))
	}))
	defer ts.Close()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/out", 0755))
	fetcher, _ := newTestFetcher(fs, 3)

	var items []Item
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("file-%d", i)
		items = append(items, Item{Name: name, URL: ts.URL + "/" + name})
	}
	items = append(items, Item{Name: "gone", URL: ts.URL + "/missing"})

	results := fetcher.FetchBatch(context.Background(), items, "/out", 3)
	require.Len(t, results, len(items))
	assert.LessOrEqual(t, atomic.LoadInt32(&maxInFlight), int32(3))

	for i, result := range results[:8] {
		assert.NoError(t, result.Err)
		assert.Equal(t, items[i], result.Item)
		contents, err := afero.ReadFile(fs, result.Path)
		assert.NoError(t, err)
		assert.Equal(t, items[i].Name, string(contents))
	}

	failed := Failed(results)
	require.Len(t, failed, 1)
	assert.Equal(t, "gone", failed[0].Name)
	assert.True(t, errors.As(failed[0].Err, &errors.DefinitiveFetchError{}))
}

func TestFetchBatchItemDir(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.TrimPrefix(r.URL.Path, "/"))
	}))
	defer ts.Close()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/packages/A/General", 0755))
	require.NoError(t, fs.MkdirAll("/packages/B/General", 0755))
	fetcher, _ := newTestFetcher(fs, 1)

	results := fetcher.FetchBatch(context.Background(), []Item{
		{Name: "A-1.tar.gz", URL: ts.URL + "/a", Dir: "/packages/A/General"},
		{Name: "B-1.tar.gz", URL: ts.URL + "/b", Dir: "/packages/B/General"},
	}, "", 2)
	require.Empty(t, Failed(results))
	assert.Equal(t, "/packages/A/General/A-1.tar.gz", results[0].Path)
	assert.Equal(t, "/packages/B/General/B-1.tar.gz", results[1].Path)

	contents, err := afero.ReadFile(fs, "/packages/B/General/B-1.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "b", string(contents))
}

func TestFetchBatchRejectsUnsafeNames(t *testing.T) {
	fetcher, _ := newTestFetcher(afero.NewMemMapFs(), 1)
	results := fetcher.FetchBatch(context.Background(), []Item{
		{Name: "../escape", URL: "http://127.0.0.1:1/x"},
		{Name: "", URL: "http://127.0.0.1:1/x"},
	}, "/out", 2)

	for _, r := range results {
		assert.Error(t, r.Err)
	}
}

func TestFetchBatchCancelled(t *testing.T) {
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/out", 0755))
	fetcher, _ := newTestFetcher(fs, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	items := []Item{
		{Name: "a", URL: ts.URL + "/a"},
		{Name: "b", URL: ts.URL + "/b"},
		{Name: "c", URL: ts.URL + "/c"},
	}
	results := fetcher.FetchBatch(ctx, items, "/out", 1)
	assert.Len(t, Failed(results), 3)

	entries, err := afero.ReadDir(fs, "/out")
	assert.NoError(t, err)
	assert.Empty(t, entries)
}
