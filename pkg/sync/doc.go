/*
The sync package implements the mirror's synchronization algorithm. It brings
each mirrored component up to date with upstream, while only fetching content
that changed since the last run.

There are five components, synchronized in this order:
1) Client -- A bare mirror of the client library's git repository.
2) Releases -- Binary releases described by the upstream release manifest.
3) Metadata -- The historical METADATA.jl repository, as a bare mirror and a
   working tree.
4) Registries -- Package registries, as bare mirrors and working trees. The
   working trees are scanned to build the package index.
5) Packages -- Source archives of every version of every indexed package.

Every component moves through the same states:

	unavailable -> synchronizing -> updated | failed

and the next run moves it back to synchronizing. Each transition is
persisted before the work it describes starts, and after it completes. A
component that's found in the synchronizing state was interrupted, and is
verified again rather than trusted.

A failing component doesn't stop the others, except that packages aren't
synchronized when the registries that describe them failed.
*/
package sync
