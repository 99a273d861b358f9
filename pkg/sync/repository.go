package sync

import (
	"context"
	"path/filepath"

	"github.com/sidkik/mirror/pkg/gitmirror"
	"github.com/sidkik/mirror/pkg/status"
)

// Metadata mirrors the historical METADATA.jl repository, both as a bare
// mirror for clients and as a working tree.
type Metadata struct {
	Mirror gitmirror.Mirror
	URL    string
}

func (m Metadata) Name() string { return status.Metadata }

func (m Metadata) Apply(ctx context.Context, run *Run) error {
	l := run.Layout
	if err := l.EnsureDir(filepath.Dir(l.MetadataDir())); err != nil {
		return err
	}
	return gitmirror.Update(ctx, m.Mirror, m.URL, l.MetadataMirrorDir(), l.MetadataDir())
}

// Client mirrors the client library that points package managers at the
// mirror. Clients only need the bare repository.
type Client struct {
	Mirror gitmirror.Mirror
	URL    string
}

func (c Client) Name() string { return status.Client }

func (c Client) Apply(ctx context.Context, run *Run) error {
	l := run.Layout
	if err := l.EnsureDir(l.Root()); err != nil {
		return err
	}
	return gitmirror.Update(ctx, c.Mirror, c.URL, l.ClientMirrorDir(), "")
}
