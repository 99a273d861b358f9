package gitmirror

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	git "gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/object"

	"github.com/sidkik/mirror/pkg/errors"
	"github.com/sidkik/mirror/pkg/fsutil"
)

// updateServerInfo writes info/refs and objects/info/packs, the files that
// `git update-server-info` maintains so the mirror can be cloned over plain
// HTTP.
func updateServerInfo(fs afero.Fs, repo *git.Repository, path string) error {
	refs, err := serverRefs(repo)
	if err != nil {
		return errors.WithContext(err, "list refs")
	}

	infoDir := filepath.Join(path, "info")
	if err := fs.MkdirAll(infoDir, 0755); err != nil {
		return errors.WithContext(err, "mkdir")
	}
	if err := fsutil.WriteFileAtomic(fs, filepath.Join(infoDir, "refs"), []byte(refs), 0644); err != nil {
		return err
	}

	packs, err := serverPacks(fs, path)
	if err != nil {
		return errors.WithContext(err, "list packs")
	}

	objectsInfoDir := filepath.Join(path, "objects", "info")
	if err := fs.MkdirAll(objectsInfoDir, 0755); err != nil {
		return errors.WithContext(err, "mkdir")
	}
	return fsutil.WriteFileAtomic(fs, filepath.Join(objectsInfoDir, "packs"), []byte(packs), 0644)
}

// serverRefs lists every ref except HEAD as "<hash>\t<name>". Annotated
// tags are followed by a line with the object they point at.
func serverRefs(repo *git.Repository) (string, error) {
	iter, err := repo.References()
	if err != nil {
		return "", err
	}

	var refs []*plumbing.Reference
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() == plumbing.HashReference && ref.Name() != plumbing.HEAD {
			refs = append(refs, ref)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].Name() < refs[j].Name()
	})

	var out strings.Builder
	for _, ref := range refs {
		out.WriteString(ref.Hash().String() + "\t" + ref.Name().String() + "\n")
		if !ref.Name().IsTag() {
			continue
		}

		if peeled, ok := peelTag(repo, ref.Hash()); ok {
			out.WriteString(peeled.String() + "\t" + ref.Name().String() + "^{}\n")
		}
	}
	return out.String(), nil
}

// peelTag follows annotated tags until it reaches a non-tag object. It
// returns false if hash isn't an annotated tag.
func peelTag(repo *git.Repository, hash plumbing.Hash) (plumbing.Hash, bool) {
	tag, err := repo.TagObject(hash)
	if err != nil {
		return plumbing.ZeroHash, false
	}

	for {
		var next *object.Tag
		if tag.TargetType == plumbing.TagObject {
			next, err = repo.TagObject(tag.Target)
		}
		if next == nil || err != nil {
			return tag.Target, true
		}
		tag = next
	}
}

func serverPacks(fs afero.Fs, path string) (string, error) {
	entries, err := afero.ReadDir(fs, filepath.Join(path, "objects", "pack"))
	if err != nil {
		if os.IsNotExist(err) {
			return "\n", nil
		}
		return "", err
	}

	var out strings.Builder
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".pack") {
			out.WriteString("P " + entry.Name() + "\n")
		}
	}
	out.WriteString("\n")
	return out.String(), nil
}
