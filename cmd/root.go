package cmd

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	configCmd "github.com/sidkik/mirror/cmd/config"
	"github.com/sidkik/mirror/cmd/prune"
	statusCmd "github.com/sidkik/mirror/cmd/status"
	syncCmd "github.com/sidkik/mirror/cmd/sync"
	"github.com/sidkik/mirror/cmd/util"
	"github.com/sidkik/mirror/cmd/version"
	"github.com/sidkik/mirror/pkg/errors"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Warning
// and above.
const verboseLogKey = "MIRROR_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	var logLevel, logFile string
	rootCmd := &cobra.Command{
		Use:          "mirror",
		Short:        "Maintain a local mirror of the Julia package ecosystem",
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if err := setupLogging(logLevel, cmd.Flags().Changed("log-level"), logFile); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warning",
		"Minimum level of the logged events (debug, info, warning, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "",
		"Append logs to this file instead of stderr")

	rootCmd.AddCommand(
		configCmd.New(),
		syncCmd.New(),
		statusCmd.New(),
		prune.New(),
		version.New(),
	)

	if err := rootCmd.Execute(); err != nil {
		util.HandleFatalError(err)
	}
}

// setupLogging configures the global logger. An explicit --log-level wins over
// the verbose environment variable.
func setupLogging(level string, levelSet bool, file string) error {
	if os.Getenv(verboseLogKey) == "true" && !levelSet {
		level = "debug"
	}

	parsed, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return errors.NewFriendlyError("Invalid log level %q.", level)
	}
	log.SetLevel(parsed)

	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return errors.WithContext(err, "open log file")
		}
		log.SetOutput(f)
	}
	return nil
}
