package errors

import (
	"fmt"
)

// ErrUnsupportedHost is returned when a package's repository isn't hosted
// somewhere we know how to download tarballs from.
var ErrUnsupportedHost = New("repository host is not supported")

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// TransientFetchError is a network-level failure that may succeed if
// retried.
type TransientFetchError struct {
	URL string
	Err error
}

func (err TransientFetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s", err.URL, err.Err)
}

func (err TransientFetchError) Unwrap() error {
	return err.Err
}

// DefinitiveFetchError is returned when the server gave an answer that
// retrying won't change, such as a 404.
type DefinitiveFetchError struct {
	URL        string
	StatusCode int
}

func (err DefinitiveFetchError) Error() string {
	return fmt.Sprintf("fetch %s: server responded with status %d", err.URL, err.StatusCode)
}

// ManifestParseError means an upstream manifest couldn't be decoded. Only
// the entry it describes is skipped.
type ManifestParseError struct {
	Path string
	Err  error
}

func (err ManifestParseError) Error() string {
	return fmt.Sprintf("parse manifest %s: %s", err.Path, err.Err)
}

func (err ManifestParseError) Unwrap() error {
	return err.Err
}

// RepositoryMirrorError is a failed clone or pull. It fails the component
// that owns the repository.
type RepositoryMirrorError struct {
	Op   string
	Path string
	Err  error
}

func (err RepositoryMirrorError) Error() string {
	return fmt.Sprintf("%s %s: %s", err.Op, err.Path, err.Err)
}

func (err RepositoryMirrorError) Unwrap() error {
	return err.Err
}

// LayoutConflictError means a path in the mirror isn't the kind of entry we
// expected. We never overwrite it, since it may not be ours.
type LayoutConflictError struct {
	Path string
	Want string
}

func (err LayoutConflictError) Error() string {
	return fmt.Sprintf("%s already exists but is not a %s", err.Path, err.Want)
}
