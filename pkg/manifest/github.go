package manifest

import (
	"regexp"
	"strings"

	"github.com/sidkik/mirror/pkg/errors"
)

const (
	// DefaultTarballBase is the API that serves repository snapshots.
	DefaultTarballBase = "https://api.github.com/repos"

	// HeadRef is the moving ref fetched for a package's latest snapshot.
	HeadRef = "master"
)

var githubRepo = regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+?)(?:\.git)?/?$`)

// TarballEndpoint returns the prefix of the tarball URLs for a repository.
// Appending a ref or tree hash gives a complete URL. Only GitHub
// repositories are supported.
func TarballEndpoint(apiBase, repo string) (string, error) {
	m := githubRepo.FindStringSubmatch(repo)
	if m == nil {
		return "", errors.ErrUnsupportedHost
	}

	if apiBase == "" {
		apiBase = DefaultTarballBase
	}
	return strings.TrimSuffix(apiBase, "/") + "/" + m[1] + "/" + m[2] + "/tarball/", nil
}
