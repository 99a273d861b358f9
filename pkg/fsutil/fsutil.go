// Package fsutil has the file helpers shared by the packages that write
// mirror state.
package fsutil

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/sidkik/mirror/pkg/errors"
)

// WriteFileAtomic writes data to a temporary file in path's directory and
// renames it over path. Readers see either the old contents or the new
// ones, never a partial write.
func WriteFileAtomic(fs afero.Fs, path string, data []byte, mode os.FileMode) error {
	tmp, err := afero.TempFile(fs, filepath.Dir(path), "."+filepath.Base(path)+".")
	if err != nil {
		return errors.WithContext(err, "create temp file")
	}

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = fs.Chmod(tmp.Name(), mode)
	}
	if err != nil {
		fs.Remove(tmp.Name())
		return errors.WithContext(err, "write temp file")
	}

	if err := fs.Rename(tmp.Name(), path); err != nil {
		fs.Remove(tmp.Name())
		return errors.WithContext(err, "rename")
	}
	return nil
}
