package source

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/TFMV/flightline/pkg/errors"
)

// Codec names a stream compression format for file-like sources.
type Codec string

const (
	CodecAuto   Codec = "auto"
	CodecNone   Codec = "none"
	CodecGzip   Codec = "gzip"
	CodecZstd   Codec = "zstd"
	CodecSnappy Codec = "snappy"
)

// ParseCodec validates a configured codec name. Empty means auto.
func ParseCodec(name string) (Codec, error) {
	switch c := Codec(strings.ToLower(strings.TrimSpace(name))); c {
	case "":
		return CodecAuto, nil
	case CodecAuto, CodecNone, CodecGzip, CodecZstd, CodecSnappy:
		return c, nil
	}
	return "", fmt.Errorf("unknown compression %q", name)
}

// DetectCodec picks a codec from an object name's extension.
func DetectCodec(name string) Codec {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gz", ".gzip":
		return CodecGzip
	case ".zst", ".zstd":
		return CodecZstd
	case ".sz", ".snappy":
		return CodecSnappy
	}
	return CodecNone
}

// Decompress wraps rc in a decoder for codec. Closing the result closes rc.
func Decompress(rc io.ReadCloser, codec Codec, name string) (io.ReadCloser, error) {
	if codec == CodecAuto || codec == "" {
		codec = DetectCodec(name)
	}

	switch codec {
	case CodecNone:
		return rc, nil
	case CodecGzip:
		zr, err := gzip.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, errors.Wrapf(err, errors.CodeSourceError, "gzip header of %s", name)
		}
		return &stackedCloser{Reader: zr, closers: []io.Closer{zr, rc}}, nil
	case CodecZstd:
		dec, err := zstd.NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, errors.Wrapf(err, errors.CodeSourceError, "zstd reader for %s", name)
		}
		zrc := dec.IOReadCloser()
		return &stackedCloser{Reader: zrc, closers: []io.Closer{zrc, rc}}, nil
	case CodecSnappy:
		return &stackedCloser{Reader: snappy.NewReader(rc), closers: []io.Closer{rc}}, nil
	}
	rc.Close()
	return nil, errors.Newf(errors.CodeInvalidRequest, "unknown compression %q", codec)
}

// stackedCloser closes a decoder and the stream beneath it.
type stackedCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackedCloser) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
