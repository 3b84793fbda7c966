package source

import (
	"context"
	"io"
	"os"

	"github.com/TFMV/flightline/pkg/errors"
)

// Opener opens the raw byte stream behind a file-like source.
type Opener interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	// Name identifies the object; its extension drives codec detection.
	Name() string
}

// FileOpener opens a local file.
type FileOpener struct {
	Path string
}

func (o FileOpener) Name() string { return o.Path }

func (o FileOpener) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeCanceled, "open canceled")
	}
	f, err := os.Open(o.Path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeSourceError, "open %s", o.Path)
	}
	return f, nil
}
