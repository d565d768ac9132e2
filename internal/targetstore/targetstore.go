// Package targetstore implements the two backup target variants: LocalDir, a plain filesystem tree, and WebDAV, backed by
// MKCOL/HEAD/PUT/DELETE with retry and circuit-breaking.
package targetstore

import (
	"context"
	"io"
)

// Artifact identifies one named blob to write into a run's collection —
// a part, the entries index, the manifest, or the completion marker.
type Artifact struct {
	Name string
	Size int64
	Open func() (io.ReadCloser, error)
}

// Store is the target-store contract the run builder and deferred delete
// queue depend on. PutArtifact is resume-eligible for everything except
// the completion marker, which callers must always pass with
// Final=true so implementations never skip it by size-match.
type Store interface {
	// EnsureRunCollection creates (or confirms) job_id/run_id at the
	// target and returns an opaque location string (path or URL) used
	// later for delete.
	EnsureRunCollection(ctx context.Context, jobID, runID string) (string, error)

	// PutArtifact uploads a. When final is false and an object of the
	// same name already exists with a's declared size, the upload is
	// skipped (resume). When final is true, the object is always
	// (re)written — required for complete.json, which must never be
	// resumed-over.
	PutArtifact(ctx context.Context, jobID, runID string, a Artifact, final bool) error

	// DeleteRun removes the run's collection; treats "already gone" as
	// success.
	DeleteRun(ctx context.Context, jobID, runID string) error
}

// Fetcher is implemented by target stores that can read an artifact back,
// used by internal/restore for restore and verify operations, reading
// manifest/parts/entries_index back from the same two target variants
// this module writes to.
type Fetcher interface {
	// FetchArtifact opens a named artifact for reading, along with its
	// size. Callers must Close the returned reader.
	FetchArtifact(ctx context.Context, jobID, runID, name string) (io.ReadCloser, int64, error)
}

// BastionMarkerNames are exact filenames that make a directory look like a
// genuine bastion run, used by LocalDir.DeleteRun to refuse to delete an
// unrelated directory.
var BastionMarkerNames = []string{"complete.json", "manifest.json", "entries.jsonl.zst"}

// BastionMarkerPrefixes are filename prefixes/suffixes checked in addition
// to the exact marker names: any "payload.part*" or "*.partial" entry.
var BastionMarkerPrefixes = []string{"payload.part"}
var BastionMarkerSuffixes = []string{".partial"}
