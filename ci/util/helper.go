package util

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"

	"github.com/sidkik/mirror/pkg/layout"
	"github.com/sidkik/mirror/pkg/status"
)

// TestHelper contains methods commonly used during integration tests.
type TestHelper struct {
	Root    string
	LogFile string
	Layout  *layout.Layout
}

// NewTestHelper creates a TestHelper for a mirror stored in dir.
func NewTestHelper(dir string) *TestHelper {
	root := filepath.Join(dir, "mirror")
	return &TestHelper{
		Root:    root,
		LogFile: filepath.Join(dir, "mirror.log"),
		Layout:  layout.New(afero.NewOsFs(), root),
	}
}

// Run runs the given mirror command, and returns its combined output. Logs
// are appended to the helper's log file.
func (helper *TestHelper) Run(ctx context.Context, args ...string) (string, error) {
	args = append(args, "--log-level", "info", "--log-file", helper.LogFile)
	log.WithField("args", args).Info("Running mirror")
	output, err := exec.CommandContext(ctx, "mirror", args...).CombinedOutput()
	return string(output), err
}

// Sync runs `mirror sync` on the helper's root.
func (helper *TestHelper) Sync(ctx context.Context, flags ...string) (string, error) {
	return helper.Run(ctx, append([]string{"sync", helper.Root}, flags...)...)
}

// Status reads the mirror's status file.
func (helper *TestHelper) Status() (*status.Status, error) {
	store := status.NewStore(helper.Layout.Fs(), helper.Layout.StatusFile(), clockwork.NewRealClock())
	return store.Load()
}

var logWhitelist = []string{
	"Setting changed since the last run.",
}

// AssertNoErrorOrWarningLogs fails the test if the mirror commands logged any
// unexpected warnings or errors.
func (helper *TestHelper) AssertNoErrorOrWarningLogs(t *testing.T) {
	logs, err := os.ReadFile(helper.LogFile)
	if !assert.NoError(t, err, "read logs") {
		return
	}

Outer:
	for _, line := range strings.Split(string(logs), "\n") {
		for _, pattern := range logWhitelist {
			if strings.Contains(line, pattern) {
				continue Outer
			}
		}

		assert.NotContains(t, line, "level=warning", "unexpected warning log")
		assert.NotContains(t, line, "level=error", "unexpected error log")
	}
}
