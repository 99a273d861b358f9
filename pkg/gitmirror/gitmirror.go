// Package gitmirror keeps local copies of upstream git repositories: a bare
// mirror that can be served to clients, and optionally a working tree
// checked out from that mirror so its files can be read.
package gitmirror

import (
	"context"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	git "gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/config"
	"gopkg.in/src-d/go-git.v4/plumbing"

	"github.com/sidkik/mirror/pkg/errors"
)

const remoteName = "origin"

// mirrorRefSpec copies every upstream ref to the same name locally, like
// `git clone --mirror`.
const mirrorRefSpec = config.RefSpec("+refs/*:refs/*")

// Mirror clones and updates repositories. Implementations must leave the
// destination untouched if a clone fails.
type Mirror interface {
	// CloneBareMirror creates a bare mirror of url at path.
	CloneBareMirror(ctx context.Context, url, path string) error

	// CloneWorkingTree checks out source, usually a bare mirror, at path.
	CloneWorkingTree(ctx context.Context, source, path string) error

	// PullMirror fetches all refs of a bare mirror from its upstream.
	PullMirror(ctx context.Context, path string) error

	// PullWorkingTree updates a working tree to its upstream's head.
	PullWorkingTree(ctx context.Context, path string) error
}

// Options configures a Git mirror.
type Options struct {
	// TempDir is where clones are staged. If empty, they're staged next to
	// their destination.
	TempDir string

	// Progress receives the server's progress messages. May be nil.
	Progress io.Writer
}

// Git implements Mirror with go-git.
type Git struct {
	fs       afero.Fs
	tempDir  string
	progress io.Writer
}

// New returns a Git mirror. go-git works directly against the OS
// filesystem, so there's no filesystem option.
func New(opts Options) *Git {
	return &Git{
		fs:       afero.NewOsFs(),
		tempDir:  opts.TempDir,
		progress: opts.Progress,
	}
}

func (g *Git) CloneBareMirror(ctx context.Context, url, path string) error {
	err := g.stagedClone(path, func(staging string) error {
		repo, err := git.PlainInit(staging, true)
		if err != nil {
			return errors.WithContext(err, "init")
		}

		_, err = repo.CreateRemote(&config.RemoteConfig{
			Name:  remoteName,
			URLs:  []string{url},
			Fetch: []config.RefSpec{mirrorRefSpec},
		})
		if err != nil {
			return errors.WithContext(err, "create remote")
		}

		return g.fetchMirror(ctx, repo, staging)
	})
	if err != nil {
		return errors.RepositoryMirrorError{Op: "clone", Path: path, Err: err}
	}
	return nil
}

func (g *Git) CloneWorkingTree(ctx context.Context, source, path string) error {
	err := g.stagedClone(path, func(staging string) error {
		_, err := git.PlainCloneContext(ctx, staging, false, &git.CloneOptions{
			URL:        source,
			RemoteName: remoteName,
			Progress:   g.progress,
		})
		return err
	})
	if err != nil {
		return errors.RepositoryMirrorError{Op: "clone", Path: path, Err: err}
	}
	return nil
}

func (g *Git) PullMirror(ctx context.Context, path string) error {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return errors.RepositoryMirrorError{Op: "open", Path: path, Err: err}
	}

	if err := g.fetchMirror(ctx, repo, path); err != nil {
		return errors.RepositoryMirrorError{Op: "pull", Path: path, Err: err}
	}
	return nil
}

// PullWorkingTree fetches from the tree's remote and hard resets to the
// remote's version of the checked out branch. The tree is a read-only copy,
// so upstream history rewrites are followed rather than merged.
func (g *Git) PullWorkingTree(ctx context.Context, path string) error {
	if err := g.pullWorkingTree(ctx, path); err != nil {
		return errors.RepositoryMirrorError{Op: "pull", Path: path, Err: err}
	}
	return nil
}

func (g *Git) pullWorkingTree(ctx context.Context, path string) error {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return errors.WithContext(err, "open")
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		Progress:   g.progress,
		Force:      true,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return errors.WithContext(err, "fetch")
	}

	head, err := repo.Head()
	if err != nil {
		return errors.WithContext(err, "get head")
	}
	if !head.Name().IsBranch() {
		return errors.New("HEAD is not on a branch")
	}

	remoteRef, err := repo.Reference(
		plumbing.NewRemoteReferenceName(remoteName, head.Name().Short()), true)
	if err != nil {
		return errors.WithContext(err, "resolve remote branch")
	}
	if remoteRef.Hash() == head.Hash() {
		return nil
	}

	wt, err := repo.Worktree()
	if err != nil {
		return errors.WithContext(err, "get worktree")
	}

	log.WithFields(log.Fields{
		"path": path,
		"from": head.Hash().String(),
		"to":   remoteRef.Hash().String(),
	}).Debug("Updating working tree")

	// A hard reset deletes untracked files, including the links the mirror
	// keeps inside a registry's working tree.
	links, err := g.untrackedLinks(repo, path)
	if err != nil {
		return errors.WithContext(err, "find untracked links")
	}

	err = wt.Reset(&git.ResetOptions{Commit: remoteRef.Hash(), Mode: git.HardReset})
	if err != nil {
		return errors.WithContext(err, "reset")
	}
	return errors.WithContext(g.restoreLinks(links), "restore untracked links")
}

// untrackedLinks maps the paths of the symlinks in the working tree at path
// that aren't in the index to their targets.
func (g *Git) untrackedLinks(repo *git.Repository, path string) (map[string]string, error) {
	reader, ok := g.fs.(afero.LinkReader)
	if !ok {
		return nil, nil
	}

	idx, err := repo.Storer.Index()
	if err != nil {
		return nil, errors.WithContext(err, "read index")
	}
	tracked := map[string]bool{}
	for _, entry := range idx.Entries {
		tracked[entry.Name] = true
	}

	links := map[string]string{}
	err = afero.Walk(g.fs, path, func(linkPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && info.Name() == git.GitDirName {
			return filepath.SkipDir
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return nil
		}

		rel, err := filepath.Rel(path, linkPath)
		if err != nil {
			return err
		}
		if tracked[filepath.ToSlash(rel)] {
			return nil
		}

		target, err := reader.ReadlinkIfPossible(linkPath)
		if err != nil {
			return err
		}
		links[linkPath] = target
		return nil
	})
	return links, err
}

// restoreLinks recreates links removed by a reset. Links whose directory
// was removed upstream stay gone.
func (g *Git) restoreLinks(links map[string]string) error {
	linker, ok := g.fs.(afero.Symlinker)
	if !ok {
		return nil
	}

	for linkPath, target := range links {
		if _, _, err := linker.LstatIfPossible(linkPath); err == nil {
			continue
		}
		if info, err := g.fs.Stat(filepath.Dir(linkPath)); err != nil || !info.IsDir() {
			continue
		}
		if err := linker.SymlinkIfPossible(target, linkPath); err != nil {
			return err
		}
	}
	return nil
}

// fetchMirror updates every ref from upstream, points HEAD at upstream's
// default branch, and refreshes the files used by dumb HTTP clients.
func (g *Git) fetchMirror(ctx context.Context, repo *git.Repository, path string) error {
	err := repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{mirrorRefSpec},
		Progress:   g.progress,
		Tags:       git.AllTags,
		Force:      true,
	})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return errors.WithContext(err, "fetch")
	}

	if err := g.syncHead(repo); err != nil {
		return errors.WithContext(err, "update HEAD")
	}
	return errors.WithContext(updateServerInfo(g.fs, repo, path), "update server info")
}

// syncHead points HEAD at the same branch as the upstream HEAD. Failing to
// list the remote isn't fatal since the refs were fetched already.
func (g *Git) syncHead(repo *git.Repository) error {
	remote, err := repo.Remote(remoteName)
	if err != nil {
		return err
	}

	refs, err := remote.List(&git.ListOptions{})
	if err != nil {
		log.WithError(err).Debug("Failed to list remote refs. Keeping local HEAD.")
		return nil
	}

	for _, ref := range refs {
		if ref.Name() != plumbing.HEAD || ref.Type() != plumbing.SymbolicReference {
			continue
		}
		return repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, ref.Target()))
	}
	return nil
}

// stagedClone runs clone into an empty staging directory, and moves the
// result to path once it succeeded.
func (g *Git) stagedClone(path string, clone func(staging string) error) error {
	if _, err := g.fs.Stat(path); err == nil {
		return errors.New("%s already exists", path)
	}

	parent := filepath.Dir(path)
	if err := g.fs.MkdirAll(parent, 0755); err != nil {
		return errors.WithContext(err, "mkdir")
	}

	stageIn := g.tempDir
	if stageIn == "" {
		stageIn = parent
	}

	staging, err := g.clone(stageIn, path, clone)
	if err != nil {
		return err
	}
	defer g.fs.RemoveAll(staging)

	renameErr := g.fs.Rename(staging, path)
	if renameErr == nil || stageIn == parent {
		return errors.WithContext(renameErr, "move clone into place")
	}

	// The temp dir is probably on a different device. Clone again next to
	// the destination so that the final move is a rename.
	log.WithError(renameErr).WithField("path", path).Debug(
		"Failed to move clone from temp dir. Cloning next to the destination instead.")
	local, err := g.clone(parent, path, clone)
	if err != nil {
		return err
	}
	defer g.fs.RemoveAll(local)
	return errors.WithContext(g.fs.Rename(local, path), "move clone into place")
}

func (g *Git) clone(dir, path string, clone func(staging string) error) (string, error) {
	staging, err := afero.TempDir(g.fs, dir, "."+filepath.Base(path)+".clone-")
	if err != nil {
		return "", errors.WithContext(err, "create staging dir")
	}

	if err := clone(staging); err != nil {
		g.fs.RemoveAll(staging)
		return "", err
	}
	return staging, nil
}

// Exists returns true if a clone exists at path. Working trees are detected
// by their .git directory.
func Exists(path string, bare bool) bool {
	check := path
	if !bare {
		check = filepath.Join(path, git.GitDirName)
	}
	_, err := os.Stat(check)
	return err == nil
}

// Update makes sure that a bare mirror of upstream exists at mirrorDir and
// is up to date. If treeDir isn't empty, a working tree checked out from the
// mirror is kept there as well.
func Update(ctx context.Context, m Mirror, upstream, mirrorDir, treeDir string) error {
	logger := log.WithFields(log.Fields{"upstream": upstream, "path": mirrorDir})

	if Exists(mirrorDir, true) {
		logger.Info("Fetching updates from upstream")
		if err := m.PullMirror(ctx, mirrorDir); err != nil {
			return err
		}
	} else {
		logger.Info("Cloning from upstream")
		if err := m.CloneBareMirror(ctx, upstream, mirrorDir); err != nil {
			return err
		}
	}

	if treeDir == "" {
		return nil
	}

	if Exists(treeDir, false) {
		return m.PullWorkingTree(ctx, treeDir)
	}
	logger.WithField("tree", treeDir).Info("Checking out working tree")
	return m.CloneWorkingTree(ctx, mirrorDir, treeDir)
}
