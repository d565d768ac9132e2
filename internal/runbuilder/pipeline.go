package runbuilder

import (
	"archive/tar"
	"io"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"

	"github.com/syt100/bastion/internal/apperrors"
)

// payloadPipeline is the tar -> zstd -> [age] -> part writer chain shared by
// every source variant: "stream bytes into the tar builder
// wrapped by (optional) age encryptor wrapped by a zstd encoder". Go's tar
// and zstd writers compose the other way around (the outermost writer is
// the one closest to disk), so the call chain here is tar.Writer wrapping a
// zstd.Encoder wrapping the (optional) age encryptor wrapping the
// PartWriter — same byte order, expressed in Go's Writer-wraps-Writer idiom.
type payloadPipeline struct {
	tar     *tar.Writer
	zstd    *zstd.Encoder
	ageSink io.WriteCloser // non-nil only when encryption is enabled
	parts   *PartWriter
}

func newPayloadPipeline(parts *PartWriter, enc PayloadEncryption, threads int) (*payloadPipeline, error) {
	var sink io.Writer = parts
	var ageSink io.WriteCloser
	if !enc.none() {
		w, err := age.Encrypt(parts, enc.Recipient)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "open age encryptor")
		}
		ageSink = w
		sink = w
	}

	zw, err := zstd.NewWriter(sink, zstd.WithEncoderConcurrency(threads))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "create zstd encoder")
	}

	return &payloadPipeline{tar: tar.NewWriter(zw), zstd: zw, ageSink: ageSink, parts: parts}, nil
}

// Close finishes the tar stream and every wrapping writer, in order, then
// finalizes the PartWriter and returns the resulting parts.
func (p *payloadPipeline) Close() ([]LocalArtifact, error) {
	if err := p.tar.Close(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "close tar stream")
	}
	if err := p.zstd.Close(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "close zstd encoder")
	}
	if p.ageSink != nil {
		if err := p.ageSink.Close(); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "close age encryptor")
		}
	}
	return p.parts.Finish()
}
