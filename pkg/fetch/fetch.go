// Package fetch downloads upstream artifacts into the mirror.
//
// A download is first written to a staging file and only renamed over its
// destination once it is complete, so a destination path is either absent,
// its previous contents, or the full new contents. Never a partial file.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/metrics"
)

// RetryPolicy controls how often a transient failure is retried.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first one.
	Attempts int

	// Delay is the pause between attempts.
	Delay time.Duration
}

// DefaultRetryPolicy tries three times without waiting in between.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3}
}

// Options configures a Fetcher.
type Options struct {
	Fs     afero.Fs
	Client *http.Client

	// TempDir is where downloads are staged. If empty, they're staged next
	// to their destination.
	TempDir string

	Retry   RetryPolicy
	Metrics *metrics.Metrics
}

// Fetcher downloads URLs to paths.
type Fetcher struct {
	fs      afero.Fs
	client  *http.Client
	tempDir string
	retry   RetryPolicy
	metrics *metrics.Metrics
}

// New creates a Fetcher. Unset options get defaults.
func New(opts Options) *Fetcher {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	if opts.Retry.Attempts < 1 {
		opts.Retry.Attempts = 1
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Fetcher{
		fs:      opts.Fs,
		client:  opts.Client,
		tempDir: opts.TempDir,
		retry:   opts.Retry,
		metrics: opts.Metrics,
	}
}

// Fetch downloads url to dest. Transient failures are retried according to
// the retry policy; an HTTP error response that retrying can't fix is
// returned immediately.
func (f *Fetcher) Fetch(ctx context.Context, url, dest string) error {
	logger := log.WithFields(log.Fields{"url": url, "path": dest})
	logger.Debug("Downloading")

	var size int64
	attempt := func() error {
		n, err := f.fetchOnce(ctx, url, dest)
		if err == nil {
			size = n
			return nil
		}

		var definitive errors.DefinitiveFetchError
		if errors.As(err, &definitive) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(f.retry.Delay), uint64(f.retry.Attempts-1)),
		ctx)
	notify := func(err error, _ time.Duration) {
		f.metrics.FetchRetriesTotal.Inc()
		logger.WithError(err).Debug("Retrying download")
	}

	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		f.metrics.FetchesTotal.WithLabelValues(metrics.ResultFailure).Inc()
		logger.WithError(err).Error("Failed to download")
		return err
	}

	f.metrics.FetchesTotal.WithLabelValues(metrics.ResultSuccess).Inc()
	f.metrics.FetchedBytesTotal.Add(float64(size))
	logger.WithField("bytes", size).Info("Downloaded")
	return nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, errors.WithContext(err, "new request")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, errors.TransientFetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return 0, errors.TransientFetchError{URL: url, Err: fmt.Errorf("server responded with %s", resp.Status)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return 0, errors.DefinitiveFetchError{URL: url, StatusCode: resp.StatusCode}
	}

	stageDir := f.tempDir
	if stageDir == "" {
		stageDir = filepath.Dir(dest)
	}
	staged, n, err := f.stage(stageDir, filepath.Base(dest), resp.Body)
	if err != nil {
		// A broken connection mid-body is worth retrying.
		return 0, errors.TransientFetchError{URL: url, Err: err}
	}

	if err := f.commit(staged, dest); err != nil {
		return 0, errors.WithContext(err, "commit download")
	}
	return n, nil
}

// stage copies r into a new hidden file in dir and returns its path.
func (f *Fetcher) stage(dir, name string, r io.Reader) (string, int64, error) {
	tmp, err := afero.TempFile(f.fs, dir, "."+name+".part-")
	if err != nil {
		return "", 0, errors.WithContext(err, "create staging file")
	}

	n, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		f.fs.Remove(tmp.Name())
		return "", 0, errors.WithContext(err, "write staging file")
	}
	return tmp.Name(), n, nil
}

// commit moves a fully written staging file over dest.
func (f *Fetcher) commit(staged, dest string) error {
	if err := f.fs.Chmod(staged, 0644); err != nil {
		f.fs.Remove(staged)
		return errors.WithContext(err, "chmod")
	}

	err := f.fs.Rename(staged, dest)
	if err == nil {
		return nil
	}

	// The temp dir may be on another filesystem. Copy the file next to
	// the destination first so the final step is still a rename.
	if filepath.Dir(staged) == filepath.Dir(dest) {
		f.fs.Remove(staged)
		return errors.WithContext(err, "rename")
	}
	defer f.fs.Remove(staged)

	src, err := f.fs.Open(staged)
	if err != nil {
		return errors.WithContext(err, "open staging file")
	}
	defer src.Close()

	local, _, err := f.stage(filepath.Dir(dest), filepath.Base(dest), src)
	if err != nil {
		return err
	}
	if err := f.fs.Chmod(local, 0644); err != nil {
		f.fs.Remove(local)
		return errors.WithContext(err, "chmod")
	}
	if err := f.fs.Rename(local, dest); err != nil {
		f.fs.Remove(local)
		return errors.WithContext(err, "rename")
	}
	return nil
}

// Item is a file to download into a batch's directory.
type Item struct {
	// Name is the file name in the destination directory.
	Name string
	URL  string

	// Dir overrides the batch directory for this item.
	Dir string
}

// Result is the outcome of downloading one Item.
type Result struct {
	Item
	Path string
	Err  error
}

// FetchBatch downloads every item into dir, or the item's own Dir, using at most `concurrency`
// parallel downloads. It returns once all items have finished. A failed
// item doesn't affect the others; cancelling ctx fails the items that
// haven't finished yet.
//
// Results are in the same order as items.
func (f *Fetcher) FetchBatch(ctx context.Context, items []Item, dir string,
	concurrency int) []Result {

	if concurrency < 1 {
		concurrency = 1
	}

	results := make([]Result, len(items))
	var group errgroup.Group
	group.SetLimit(concurrency)
	for i, item := range items {
		i, item := i, item
		itemDir := dir
		if item.Dir != "" {
			itemDir = item.Dir
		}
		dest := filepath.Join(itemDir, item.Name)
		results[i] = Result{Item: item, Path: dest}

		if !isPlainName(item.Name) {
			results[i].Err = errors.New("invalid file name %q", item.Name)
			f.metrics.FetchesTotal.WithLabelValues(metrics.ResultFailure).Inc()
			log.WithField("name", item.Name).Error("Refusing to download to a path outside the batch directory")
			continue
		}

		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				f.metrics.FetchesTotal.WithLabelValues(metrics.ResultSkipped).Inc()
				return nil
			}
			results[i].Err = f.Fetch(ctx, item.URL, dest)
			return nil
		})
	}
	_ = group.Wait()
	return results
}

// Failed returns the results that have an error.
func Failed(results []Result) (failed []Result) {
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

func isPlainName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsRune(name, '/') && !strings.ContainsRune(name, os.PathSeparator)
}
