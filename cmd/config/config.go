package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	homedir "github.com/mitchellh/go-homedir"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/mirror/cmd/util"
	"github.com/sidkik/mirror/pkg/config"
	"github.com/sidkik/mirror/pkg/errors"
)

// Mocked for unit testing.
var (
	fs                  = afero.NewOsFs()
	stdout    io.Writer = os.Stdout
	stdin     io.Reader = os.Stdin
	getWorkingDirectory = os.Getwd
	getHostname         = os.Hostname
)

type initOptions struct {
	path  string
	root  string
	name  string
	force bool
}

// New creates a new `config` command.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the mirror configuration file",
	}

	var opts initOptions
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with the default settings",
		Long: "Write a configuration file with the default settings.\n\n" +
			"The mirror root and name are prompted for unless they're given as\n" +
			"flags. Every other setting can be edited in the file afterwards.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := initConfig(opts); err != nil {
				err = errors.NewFriendlyError("Failed to write configuration:\n%s",
					errors.GetFriendlyMessage(err))
				util.HandleFatalError(err)
			}
		},
	}
	initCmd.Flags().StringVar(&opts.path, "path", config.DefaultPath, "Where to write the config file")
	initCmd.Flags().StringVar(&opts.root, "root", "",
		"Directory the mirror is stored in. "+
			"Optional: If not set, `mirror config init` will interactively prompt.")
	initCmd.Flags().StringVar(&opts.name, "name", "",
		"Name of the mirror. "+
			"Optional: If not set, `mirror config init` will interactively prompt.")
	initCmd.Flags().BoolVar(&opts.force, "force", false, "Overwrite an existing config file")
	cmd.AddCommand(initCmd)

	// Setup the commands for querying the contents of the config.
	type getterSpec struct {
		use, short string
		fn         func(config.Mirror) string
	}

	getters := []getterSpec{
		{
			use:   "get-root",
			short: "Get the configured mirror root",
			fn:    func(cfg config.Mirror) string { return cfg.Root },
		},
		{
			use:   "get-registries",
			short: "Get the mirrored registries, one NAME=URL per line",
			fn: func(cfg config.Mirror) string {
				var lines []string
				for name, url := range cfg.EffectiveRegistries() {
					lines = append(lines, name+"="+url)
				}
				sort.Strings(lines)
				return strings.Join(lines, "\n")
			},
		},
	}
	for _, getter := range getters {
		getter := getter
		var configPath string
		getterCmd := &cobra.Command{
			Use:   getter.use,
			Short: getter.short,
			Run: func(_ *cobra.Command, _ []string) {
				cfg, err := config.ParseMirror(fs, configPath)
				if err != nil {
					util.HandleFatalError(errors.WithContext(err, "read config"))
				}

				fmt.Fprintln(stdout, getter.fn(cfg))
			},
		}
		getterCmd.Flags().StringVar(&configPath, "config", "", "Path to the config file")
		cmd.AddCommand(getterCmd)
	}

	return cmd
}

func initConfig(opts initOptions) error {
	path, err := homedir.Expand(opts.path)
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	exists, err := afero.Exists(fs, path)
	if err != nil {
		return errors.WithContext(err, "stat")
	}
	if exists && !opts.force {
		return errors.NewFriendlyError("A config file already exists at %s. "+
			"Pass --force to overwrite it.", path)
	}

	// Offer the values of the config being replaced as answers.
	cfg := config.Default()
	if exists {
		current, err := config.ParseMirror(fs, path)
		if err != nil {
			log.WithError(err).Warn("Failed to parse the existing config. Starting from the defaults.")
		} else {
			cfg = current
		}
	}

	if cfg.Root, err = chooseRoot(opts.root, cfg.Root); err != nil {
		return errors.WithContext(err, "choose root")
	}
	if cfg.Name, err = chooseName(opts.name, cfg.Name); err != nil {
		return errors.WithContext(err, "choose name")
	}

	if err := config.WriteMirror(fs, path, cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	fmt.Fprintf(stdout, "Wrote config to %s\n", path)
	return nil
}

func chooseRoot(flag, current string) (string, error) {
	if flag != "" {
		return flag, nil
	}

	wd, err := getWorkingDirectory()
	if err != nil {
		return "", errors.WithContext(err, "get working directory")
	}
	return promptUser("The mirror stores all of its content in a single directory.",
		"Mirror root", filepath.Join(wd, "mirror"), current)
}

func chooseName(flag, current string) (string, error) {
	if flag != "" {
		return flag, nil
	}

	hostname, err := getHostname()
	if err != nil {
		hostname = ""
	}
	return promptUser("The name identifies the mirror in its status file.",
		"Mirror name", hostname, current)
}

// promptOptions returns the answers offered to the user. The recommended
// answer comes first, and the last option is always manual entry.
func promptOptions(defaultAnswer, currAnswer string) []string {
	var options []string
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}
	return append(options, "(Enter manually)")
}

func promptUser(helpString, prompt, defaultAnswer, currAnswer string) (string, error) {
	// Separate the prompts with an empty line.
	defer fmt.Fprintln(stdout)

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")
	// Keep the buffered reader around so that input read ahead by one prompt
	// is seen by the next.
	reader, ok := stdin.(*bufio.Reader)
	if !ok {
		reader = bufio.NewReader(stdin)
		stdin = reader
	}
	options := promptOptions(defaultAnswer, currAnswer)

	if len(options) > 1 {
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option += " (recommended)"
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		choice, err := readChoice(reader, len(options))
		if err != nil {
			return "", err
		}
		if choice < len(options) {
			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := reader.ReadString('\n')
	if err != nil && resp == "" {
		return "", err
	}
	return strings.TrimSpace(resp), nil
}

// readChoice reads a 1-based choice, asking again until the input is valid.
// An empty line picks the first option.
func readChoice(reader *bufio.Reader, n int) (int, error) {
	for {
		fmt.Fprintf(stdout, "Please choose one [1-%d]: ", n)
		line, err := reader.ReadString('\n')
		if err != nil {
			return 0, err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			return 1, nil
		}
		if choice, err := strconv.Atoi(line); err == nil && choice >= 1 && choice <= n {
			return choice, nil
		}
	}
}
