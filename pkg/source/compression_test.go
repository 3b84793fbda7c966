package source

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/flightline/pkg/errors"
)

func TestDetectCodec(t *testing.T) {
	tests := map[string]Codec{
		"uk_cities.csv":         CodecNone,
		"uk_cities.csv.gz":      CodecGzip,
		"data/UK_CITIES.CSV.GZ": CodecGzip,
		"uk_cities.csv.zst":     CodecZstd,
		"uk_cities.csv.sz":      CodecSnappy,
		"s3://b/k.csv.snappy":   CodecSnappy,
	}
	for name, want := range tests {
		assert.Equal(t, want, DetectCodec(name), name)
	}
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("")
	require.NoError(t, err)
	assert.Equal(t, CodecAuto, c)

	c, err = ParseCodec(" ZSTD ")
	require.NoError(t, err)
	assert.Equal(t, CodecZstd, c)

	_, err = ParseCodec("brotli")
	assert.Error(t, err)
}

type closeRecorder struct {
	io.Reader
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestDecompress_ExplicitCodecOverridesName(t *testing.T) {
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = zw.Write([]byte("city,lat,lng\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	raw := &closeRecorder{Reader: &buf}
	rc, err := Decompress(raw, CodecZstd, "cities.csv")
	require.NoError(t, err)

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "city,lat,lng\n", string(data))

	require.NoError(t, rc.Close())
	assert.True(t, raw.closed)
}

func TestDecompress_BadGzipHeader(t *testing.T) {
	raw := &closeRecorder{Reader: bytes.NewReader([]byte("not gzip"))}
	_, err := Decompress(raw, CodecAuto, "cities.csv.gz")
	require.Error(t, err)
	assert.True(t, errors.IsSourceError(err))
	assert.True(t, raw.closed)
}

func TestDecompress_None(t *testing.T) {
	raw := &closeRecorder{Reader: bytes.NewReader([]byte("x"))}
	rc, err := Decompress(raw, CodecNone, "cities.csv.gz")
	require.NoError(t, err)
	assert.Same(t, raw, rc)
}
