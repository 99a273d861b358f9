package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sidkik/mirror/pkg/status"
	"github.com/sidkik/mirror/pkg/version"
)

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of the mirror tool",
		Long: "Print the version of the mirror tool, and the version of the\n" +
			"status file format that it writes.",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("version:        %s\n", version.Version)
			fmt.Printf("status version: %s\n", status.SchemaVersion)
		},
	}
}
