package sync

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/mirror/ci/util"
	"github.com/sidkik/mirror/pkg/status"
)

// clientOnly restricts a run to the client repository, which is small enough
// to mirror on every CI run.
var clientOnly = []string{"--no-releases", "--no-metadata", "--no-general"}

func Test(t *testing.T, helper *util.TestHelper) {
	ctx := context.Background()

	output, err := helper.Sync(ctx, clientOnly...)
	require.NoError(t, err, "initial sync: %s", output)
	assert.Contains(t, output, "is up to date")

	st, err := helper.Status()
	require.NoError(t, err)
	require.NotNil(t, st)
	require.Contains(t, st.Components, status.Client)
	assert.Equal(t, status.Updated, st.Components[status.Client].Status)
	assert.NotContains(t, st.Components, status.Packages)

	_, err = os.Stat(helper.Layout.ClientMirrorDir())
	assert.NoError(t, err, "client mirror should exist")
	firstUpdate := st.Components[status.Client].LastUpdated

	t.Run("Resync", func(t *testing.T) {
		output, err := helper.Sync(ctx, clientOnly...)
		require.NoError(t, err, "second sync: %s", output)

		st, err := helper.Status()
		require.NoError(t, err)
		assert.Equal(t, status.Updated, st.Components[status.Client].Status)
		assert.True(t, st.Components[status.Client].LastUpdated >= firstUpdate)
	})

	t.Run("Status", func(t *testing.T) {
		output, err := helper.Run(ctx, "status", helper.Root, "--no-color")
		require.NoError(t, err, output)
		assert.Contains(t, output, "client       updated")
	})
}
