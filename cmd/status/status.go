package status

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/buger/goterm"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/mirror/cmd/util"
	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/layout"
	"github.com/sidkik/mirror/pkg/manifest"
	"github.com/sidkik/mirror/pkg/status"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `status` command.
func New() *cobra.Command {
	var configPath string
	var noColor bool
	cmd := &cobra.Command{
		Use:   "status [root]",
		Short: "Print the synchronization state of the mirror",
		Args:  cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			fs := afero.NewOsFs()
			root, err := util.MirrorRoot(fs, args, configPath)
			if err != nil {
				util.HandleFatalError(err)
			}

			if err := run(fs, root, !noColor); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the config file")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "Don't color the component states")
	return cmd
}

func run(fs afero.Fs, root string, color bool) error {
	store := status.NewStore(fs, layout.New(fs, root).StatusFile(), clockwork.NewRealClock())
	st, err := store.Load()
	if err != nil {
		return errors.WithContext(err, "load status")
	}
	if st == nil {
		return errors.NewFriendlyError("There's no mirror at %s. "+
			"Run `mirror sync %s` to create it.", root, root)
	}
	return printStatus(stdout, st, color)
}

func printStatus(out io.Writer, st *status.Status, color bool) error {
	stateString := func(state string) string {
		if !color {
			return state
		}
		return goterm.Color(state, stateColor(state))
	}

	fmt.Fprintf(out, "Mirror:         %s\n", st.Name)
	fmt.Fprintf(out, "Created:        %s\n", st.CreatedTime)
	fmt.Fprintf(out, "Last updated:   %s\n", st.LastUpdated)
	fmt.Fprintf(out, "Status version: %s\n\n", st.MirrorVersion)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "COMPONENT\tSTATUS\tLAST UPDATED")
	for _, name := range componentNames(st) {
		entry := st.Components[name]
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, stateString(entry.Status), orNever(entry.LastUpdated))

		var registries []string
		for registry := range entry.Registries {
			registries = append(registries, registry)
		}
		sort.Strings(registries)
		for _, registry := range registries {
			sub := entry.Registries[registry]
			fmt.Fprintf(w, "  %s\t%s\t%s\n", registry, stateString(sub.Status), orNever(sub.LastUpdated))
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	releases, ok := st.Components[status.Releases]
	if !ok || len(releases.Versions) == 0 {
		return nil
	}

	var labels []string
	for label := range releases.Versions {
		labels = append(labels, label)
	}

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RELEASE\tSUBVERSION\tLAST UPDATED\tMISSING")
	for _, label := range manifest.SortVersions(labels) {
		version := releases.Versions[label]
		missing := "-"
		if len(version.Missing) != 0 {
			missing = strings.Join(version.Missing, ", ")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", label, version.Subversion, orNever(version.LastUpdated), missing)
	}
	return w.Flush()
}

// componentNames returns the known components in synchronization order,
// followed by any others in the document.
func componentNames(st *status.Status) []string {
	var names []string
	for _, name := range status.Components {
		if _, ok := st.Components[name]; ok {
			names = append(names, name)
		}
	}

	var others []string
	for name := range st.Components {
		known := false
		for _, c := range status.Components {
			known = known || c == name
		}
		if !known {
			others = append(others, name)
		}
	}
	sort.Strings(others)
	return append(names, others...)
}

func stateColor(state string) int {
	switch state {
	case status.Updated:
		return goterm.GREEN
	case status.Synchronizing:
		return goterm.YELLOW
	case status.Failed:
		return goterm.RED
	default:
		return goterm.BLACK
	}
}

func orNever(timestamp string) string {
	if timestamp == "" {
		return "never"
	}
	return timestamp
}
