package prune

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/mirror/cmd/util"
	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/layout"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `prune` command.
func New() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "prune [root]",
		Short: "Remove stored packages that no registry refers to",
		Long: "Remove the package archives whose registry entry no longer exists.\n\n" +
			"`mirror sync` deletes the archives of packages that are removed from\n" +
			"a registry it tracks. Archives are left behind if a registry is\n" +
			"removed from the configuration, or if its working tree is deleted.",
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			fs := afero.NewOsFs()
			root, err := util.MirrorRoot(fs, args, configPath)
			if err != nil {
				util.HandleFatalError(err)
			}

			if err := run(fs, root); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the config file")
	return cmd
}

func run(fs afero.Fs, root string) error {
	orphans, err := layout.New(fs, root).PruneOrphans()
	for _, orphan := range orphans {
		fmt.Fprintf(stdout, "Removed %s (%s)\n", orphan.Package, orphan.Registry)
	}
	if err != nil {
		return errors.WithContext(err, "prune packages")
	}

	if len(orphans) == 0 {
		fmt.Fprintln(stdout, "Nothing to prune")
	}
	return nil
}
