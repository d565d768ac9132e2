package runbuilder

import (
	"fmt"
	"os"
	"path/filepath"

	"lukechampine.com/blake3"

	"github.com/syt100/bastion/internal/apperrors"
)

// PartWriter is an io.Writer that rotates onto a new payload.part.NNNNN file
// every time the current part reaches maxBytes, blake3-hashing each part as
// it is finalized.
type PartWriter struct {
	dir      string
	prefix   string
	maxBytes int64
	onPart   func(LocalArtifact) error

	cur      *os.File
	curHash  *blake3.Hasher
	curSize  int64
	index    int
	finished []LocalArtifact
}

// NewPartWriter builds a PartWriter staging parts under dir. onPart, if
// non-nil, is invoked synchronously as each part is finalized — the
// filesystem variant's rolling uploader hooks in here.
func NewPartWriter(dir, prefix string, maxBytes int64, onPart func(LocalArtifact) error) *PartWriter {
	return &PartWriter{dir: dir, prefix: prefix, maxBytes: maxBytes, onPart: onPart}
}

func (w *PartWriter) partName(index int) string {
	return fmt.Sprintf("%s.%05d", w.prefix, index)
}

func (w *PartWriter) openNext() error {
	name := w.partName(w.index)
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "open part %s", name)
	}
	w.cur = f
	w.curHash = blake3.New(32, nil)
	w.curSize = 0
	return nil
}

func (w *PartWriter) closeCurrent() error {
	if w.cur == nil {
		return nil
	}
	name := w.partName(w.index)
	if err := w.cur.Close(); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "close part %s", name)
	}
	w.finished = append(w.finished, LocalArtifact{
		Name:    name,
		Path:    filepath.Join(w.dir, name),
		Size:    w.curSize,
		HashAlg: "blake3",
		Hash:    fmt.Sprintf("%x", w.curHash.Sum(nil)),
	})
	if w.onPart != nil {
		if err := w.onPart(w.finished[len(w.finished)-1]); err != nil {
			return err
		}
	}
	w.cur = nil
	w.curHash = nil
	w.index++
	return nil
}

// Write implements io.Writer, splitting p across part boundaries as needed
// so every finalized part is exactly maxBytes (except possibly the last).
func (w *PartWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if w.cur == nil {
			if err := w.openNext(); err != nil {
				return total, err
			}
		}
		remaining := w.maxBytes - w.curSize
		if remaining <= 0 {
			if err := w.closeCurrent(); err != nil {
				return total, err
			}
			continue
		}
		n := int64(len(p))
		if n > remaining {
			n = remaining
		}
		nw, err := w.cur.Write(p[:n])
		if nw > 0 {
			w.curHash.Write(p[:nw])
			w.curSize += int64(nw)
			total += nw
		}
		p = p[nw:]
		if err != nil {
			return total, apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "write part %s", w.partName(w.index))
		}
	}
	return total, nil
}

// Finish closes any open part and returns every finalized part in order. If
// nothing was ever written, it still produces one empty part so a run
// always has at least one payload file.
func (w *PartWriter) Finish() ([]LocalArtifact, error) {
	if w.cur == nil && w.index == 0 {
		if err := w.openNext(); err != nil {
			return nil, err
		}
	}
	if err := w.closeCurrent(); err != nil {
		return nil, err
	}
	return w.finished, nil
}
