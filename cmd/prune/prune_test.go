package prune

import (
	"bytes"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/mirror/pkg/layout"
)

func TestRun(t *testing.T) {
	var out bytes.Buffer
	origStdout := stdout
	stdout = &out
	defer func() { stdout = origStdout }()

	root := t.TempDir()
	fs := afero.NewOsFs()
	l := layout.New(fs, root)
	for _, pkg := range []string{"Kept", "Gone"} {
		require.NoError(t, l.LinkPackage("General", pkg))
		require.NoError(t, afero.WriteFile(fs, l.ArchivePath(pkg, "General", "abc"), []byte("archive"), 0644))
	}
	require.NoError(t, os.RemoveAll(l.RegistryPackageDir("General", "Gone")))

	require.NoError(t, run(fs, root))
	assert.Equal(t, "Removed Gone (General)\n", out.String())
	assert.NoFileExists(t, l.ArchivePath("Gone", "General", "abc"))
	assert.FileExists(t, l.ArchivePath("Kept", "General", "abc"))

	out.Reset()
	require.NoError(t, run(fs, root))
	assert.Equal(t, "Nothing to prune\n", out.String())
}
