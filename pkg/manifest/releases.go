package manifest

import (
	"encoding/json"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/sidkik/mirror/pkg/errors"
)

// LatestLabel is the release channel that tracks the newest build. Its
// artifacts change under the same names, so it's always refetched.
const LatestLabel = "latest"

// Releases is the upstream release manifest.
type Releases struct {
	Versions    map[string]Release `json:"versions"`
	LastUpdated string             `json:"last_updated,omitempty"`

	// Problems are the parts of the manifest that were skipped: versions
	// that couldn't be read, and files listed more than once.
	Problems []error `json:"-"`
}

// Release is one version label of the release manifest.
type Release struct {
	Subversion string `json:"subversion"`
	URLList    []File `json:"urllist"`
}

// File is an artifact of a release. It's encoded as a two element
// `[filename, url]` array.
type File struct {
	Name string
	URL  string
}

func (f *File) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return errors.New("expected [filename, url], got %d elements", len(pair))
	}
	f.Name, f.URL = pair[0], pair[1]
	return nil
}

func (f File) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{f.Name, f.URL})
}

// ParseReleases decodes a release manifest. A version that can't be read,
// or that has an artifact which can't be stored in the version's directory,
// is left out and reported in Problems.
func ParseReleases(data []byte) (*Releases, error) {
	var raw struct {
		Versions    map[string]json.RawMessage `json:"versions"`
		LastUpdated string                     `json:"last_updated"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw.Versions == nil {
		return nil, errors.MissingFieldError{Field: "versions"}
	}

	var labels []string
	for label := range raw.Versions {
		labels = append(labels, label)
	}

	releases := &Releases{
		Versions:    map[string]Release{},
		LastUpdated: raw.LastUpdated,
	}
	for _, label := range SortVersions(labels) {
		release, problems, err := parseRelease(label, raw.Versions[label])
		releases.Problems = append(releases.Problems, problems...)
		if err != nil {
			releases.Problems = append(releases.Problems, err)
			continue
		}
		releases.Versions[label] = release
	}
	return releases, nil
}

// parseRelease decodes one version. Files listed more than once are only
// kept the first time, and reported as problems.
func parseRelease(label string, data json.RawMessage) (Release, []error, error) {
	if !isPlainName(label) {
		return Release{}, nil, errors.New("invalid version label %q", label)
	}

	var release Release
	if err := json.Unmarshal(data, &release); err != nil {
		return Release{}, nil, errors.New("version %s: %s", label, err)
	}

	var problems []error
	var files []File
	seen := map[string]bool{}
	for _, file := range release.URLList {
		if !isPlainName(file.Name) {
			return Release{}, nil, errors.New("version %s: invalid file name %q", label, file.Name)
		}
		if file.URL == "" {
			return Release{}, nil, errors.New("version %s: no url for %s", label, file.Name)
		}
		if seen[file.Name] {
			problems = append(problems, errors.New("version %s: %s is listed more than once", label, file.Name))
			continue
		}
		seen[file.Name] = true
		files = append(files, file)
	}
	release.URLList = files
	return release, problems, nil
}

// ReadReleases parses the release manifest at path.
func ReadReleases(fs afero.Fs, path string) (*Releases, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.WithContext(err, "read")
	}

	releases, err := ParseReleases(data)
	if err != nil {
		return nil, errors.ManifestParseError{Path: path, Err: err}
	}
	for i, problem := range releases.Problems {
		releases.Problems[i] = errors.ManifestParseError{Path: path, Err: problem}
	}
	return releases, nil
}

// Labels returns the version labels in release order.
func (r *Releases) Labels() []string {
	var labels []string
	for label := range r.Versions {
		labels = append(labels, label)
	}
	return SortVersions(labels)
}

func isPlainName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		filepath.Base(name) == name
}
