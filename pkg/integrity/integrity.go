// Package integrity keeps a SHA-256 sidecar next to each downloaded archive,
// so that a later run can tell the archive is already correct without
// fetching it again. It is a cache check, not a security guarantee.
package integrity

import (
	_ "crypto/sha256" // Registers the hash used by digest.SHA256.
	"io"
	"strings"

	digest "github.com/opencontainers/go-digest"
	"github.com/spf13/afero"

	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/fsutil"
)

// SidecarSuffix is appended to an artifact's path to get its digest file.
const SidecarSuffix = ".sha256"

// chunkSize is the size of each read while hashing.
const chunkSize = 4096

// Store computes and persists digests on a filesystem.
type Store struct {
	fs afero.Fs
}

// New returns a Store backed by fs.
func New(fs afero.Fs) *Store {
	return &Store{fs: fs}
}

// SidecarPath returns the path of the digest file for `path`.
func SidecarPath(path string) string {
	return path + SidecarSuffix
}

// DigestOf returns the hex-encoded SHA-256 of the file at path.
func (s *Store) DigestOf(path string) (string, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	digester := digest.SHA256.Digester()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(digester.Hash(), f, buf); err != nil {
		return "", errors.WithContext(err, "read")
	}
	return digester.Digest().Encoded(), nil
}

// IsUnchanged returns true if a sidecar exists next to path and matches the
// file's current contents. Any error reading either file means "changed".
func (s *Store) IsUnchanged(path string) bool {
	stored, err := afero.ReadFile(s.fs, SidecarPath(path))
	if err != nil {
		return false
	}

	actual, err := s.DigestOf(path)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(stored)) == actual
}

// RecordDigest hashes path and writes the result to its sidecar, replacing
// any previous value.
func (s *Store) RecordDigest(path string) (string, error) {
	sum, err := s.DigestOf(path)
	if err != nil {
		return "", errors.WithContext(err, "digest")
	}

	err = fsutil.WriteFileAtomic(s.fs, SidecarPath(path), []byte(sum+"\n"), 0644)
	if err != nil {
		return "", errors.WithContext(err, "write sidecar")
	}
	return sum, nil
}
