package runbuilder

import (
	"bufio"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"

	"github.com/syt100/bastion/internal/apperrors"
)

// EntryKind is the kind field of an entries.jsonl.zst record.
type EntryKind string

const (
	EntryFile     EntryKind = "file"
	EntryDir      EntryKind = "dir"
	EntrySymlink  EntryKind = "symlink"
	EntryHardlink EntryKind = "hardlink"
)

// EntryRecord is one JSON line of the entries index.
// Optional fields use omitempty so absent values are omitted, never
// serialized as null.
type EntryRecord struct {
	Path          string            `json:"path"`
	Kind          EntryKind         `json:"kind"`
	Size          int64             `json:"size"`
	HashAlg       string            `json:"hash_alg,omitempty"`
	Hash          string            `json:"hash,omitempty"`
	Mtime         *int64            `json:"mtime,omitempty"`
	Mode          *uint32           `json:"mode,omitempty"`
	UID           *uint32           `json:"uid,omitempty"`
	GID           *uint32           `json:"gid,omitempty"`
	Xattrs        map[string]string `json:"xattrs,omitempty"`
	SymlinkTarget string            `json:"symlink_target,omitempty"`
	HardlinkGroup string            `json:"hardlink_group,omitempty"`
}

// EntriesIndexWriter writes newline-delimited EntryRecord JSON through a
// zstd encoder into entries.jsonl.zst, hashing the compressed bytes as they
// land on disk so the finalized artifact needs no second read pass.
type EntriesIndexWriter struct {
	path   string
	file   *os.File
	buf    *bufio.Writer
	hasher hash.Hash
	zw     *zstd.Encoder
	size   *countingWriter
	count  int64
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// NewEntriesIndexWriter opens entries.jsonl.zst under dir.
func NewEntriesIndexWriter(dir string) (*EntriesIndexWriter, error) {
	path := filepath.Join(dir, "entries.jsonl.zst")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "open entries index %s", path)
	}
	buf := bufio.NewWriter(f)
	hasher := blake3.New(32, nil)
	counting := &countingWriter{w: io.MultiWriter(buf, hasher)}
	zw, err := zstd.NewWriter(counting)
	if err != nil {
		f.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "create zstd encoder for entries index")
	}
	return &EntriesIndexWriter{path: path, file: f, buf: buf, hasher: hasher, zw: zw, size: counting}, nil
}

// WriteRecord appends one entry, terminated by \n, to the index.
func (w *EntriesIndexWriter) WriteRecord(r EntryRecord) error {
	line, err := json.Marshal(r)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal entries index record")
	}
	if _, err := w.zw.Write(line); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "write entries index record")
	}
	if _, err := w.zw.Write([]byte("\n")); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "write entries index newline")
	}
	w.count++
	return nil
}

// Close flushes and closes the encoder and file, returning the finalized
// artifact (name, compressed size, blake3 hash) and the entry count.
func (w *EntriesIndexWriter) Close() (LocalArtifact, int64, error) {
	if err := w.zw.Close(); err != nil {
		w.file.Close()
		return LocalArtifact{}, 0, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "close entries index encoder")
	}
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return LocalArtifact{}, 0, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "flush entries index")
	}
	if err := w.file.Close(); err != nil {
		return LocalArtifact{}, 0, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "close entries index file")
	}
	artifact := LocalArtifact{
		Name:    "entries.jsonl.zst",
		Path:    w.path,
		Size:    w.size.n,
		HashAlg: "blake3",
		Hash:    fmt.Sprintf("%x", w.hasher.Sum(nil)),
	}
	return artifact, w.count, nil
}
