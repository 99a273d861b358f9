package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"

	"github.com/sidkik/mirror/pkg/errors"
)

// versionError means that a config file was written for a different version
// of the mirror.
type versionError struct {
	path, want, got string
}

func (err versionError) Error() string {
	return err.FriendlyMessage()
}

func (err versionError) FriendlyMessage() string {
	return fmt.Sprintf("%q is a %s mirror config, but this mirror reads %s configs.\n"+
		"Run `mirror config init --force` to rewrite it.", err.path, err.got, err.want)
}

func decodeError(path string, err error) error {
	return errors.NewFriendlyError("Failed to read the mirror config at %q: %s\n"+
		"Check that every field is spelled correctly and has the right type.", path, err)
}

// decodeMirror reads the config at path into cfg. Fields missing from the
// file keep their value in cfg. The version is checked before the rest of
// the file, so that an old config is reported as such rather than as a list
// of unknown fields.
func decodeMirror(fs afero.Fs, path string, cfg *Mirror) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.FileNotFound{Path: path}
		}
		return errors.WithContext(err, "read file")
	}

	var header struct {
		Version string `json:"version"`
	}
	if err := yaml.Unmarshal(data, &header); err != nil {
		return decodeError(path, err)
	}
	if header.Version == "" {
		header.Version = InitialMirrorConfigVersion
	}
	if header.Version != SupportedMirrorConfigVersion {
		return versionError{path: path, want: SupportedMirrorConfigVersion, got: header.Version}
	}

	if err := yaml.UnmarshalStrict(data, cfg, yaml.DisallowUnknownFields); err != nil {
		return decodeError(path, err)
	}
	cfg.Version = header.Version
	return nil
}
