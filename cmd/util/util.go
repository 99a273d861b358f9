package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/mirror/pkg/config"
	"github.com/sidkik/mirror/pkg/errors"
)

// Mocked for unit testing.
var (
	stderr io.Writer = os.Stderr
	exit             = os.Exit
)

// HandleFatalError prints the error and exits. Friendly errors are printed
// as is, and other errors are printed with their full context.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")
	fmt.Fprintln(stderr, errors.GetFriendlyMessage(err))
	exit(1)
}

// HandlePanic logs a panic in the calling goroutine before exiting. It must
// be deferred.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("stack", string(debug.Stack())).Errorf("Panic: %v", r)
		fmt.Fprintf(stderr, "Unexpected error: %v\n", r)
		exit(1)
	}
}

// MirrorRoot returns the mirror root given as the only argument, or else
// the root set in the config file at configPath.
func MirrorRoot(fs afero.Fs, args []string, configPath string) (string, error) {
	root := ""
	if len(args) == 1 {
		root = args[0]
	} else {
		cfg, err := config.ParseMirror(fs, configPath)
		if err != nil {
			return "", errors.WithContext(err, "parse config")
		}
		root = cfg.Root
	}

	if root == "" {
		return "", errors.NewFriendlyError("No mirror root was given. " +
			"Pass it as an argument or set `root` in the config file.")
	}
	return filepath.Abs(root)
}
