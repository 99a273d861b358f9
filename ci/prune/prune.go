package prune

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/mirror/ci/util"
)

func Test(t *testing.T, helper *util.TestHelper) {
	ctx := context.Background()

	// Store a package whose registry entry doesn't exist.
	storeDir := helper.Layout.PackageDir("Example", "Gone")
	require.NoError(t, os.MkdirAll(storeDir, 0755))
	archive := filepath.Join(storeDir, "Example-0123abcd.tar.gz")
	require.NoError(t, os.WriteFile(archive, []byte("archive"), 0644))
	require.NoError(t, os.Symlink(helper.Layout.RegistryPackageDir("Gone", "Example"),
		filepath.Join(storeDir, "Example")))

	output, err := helper.Run(ctx, "prune", helper.Root)
	require.NoError(t, err, output)
	assert.Contains(t, output, "Removed Example (Gone)")

	_, err = os.Stat(archive)
	assert.True(t, os.IsNotExist(err), "archive should be removed")

	output, err = helper.Run(ctx, "prune", helper.Root)
	require.NoError(t, err, output)
	assert.Contains(t, output, "Nothing to prune")
}
