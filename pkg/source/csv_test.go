package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/flightline/pkg/errors"
	"github.com/TFMV/flightline/pkg/models"
)

var citySchema = models.NewSchema(
	models.Field{Name: "city", Type: models.TypeString},
	models.Field{Name: "lat", Type: models.TypeFloat64},
	models.Field{Name: "lng", Type: models.TypeFloat64},
)

func cityCSV(rows int) string {
	var sb strings.Builder
	sb.WriteString("city,lat,lng\n")
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&sb, "town-%d,%d.5,-%d.25\n", i, i%90, i%180)
	}
	return sb.String()
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newCitySource(t *testing.T, path string, opts CSVOptions) *CSVSource {
	t.Helper()
	src, err := NewCSVSource(FileOpener{Path: path}, citySchema, opts, memory.NewGoAllocator(), zerolog.Nop())
	require.NoError(t, err)
	return src
}

func readAll(t *testing.T, src Source) ([]*models.RecordBatch, error) {
	t.Helper()
	p, err := src.Open(context.Background())
	require.NoError(t, err)
	defer p.Close()
	return Drain(context.Background(), p)
}

func TestCSVSource_ChunksRows(t *testing.T) {
	path := writeFile(t, "cities.csv", []byte(cityCSV(2500)))
	batches, err := readAll(t, newCitySource(t, path, DefaultCSVOptions()))
	require.NoError(t, err)

	require.Len(t, batches, 3)
	assert.Equal(t, 1024, batches[0].NumRows)
	assert.Equal(t, 1024, batches[1].NumRows)
	assert.Equal(t, 452, batches[2].NumRows)

	first := batches[0].Columns[0].(*models.StringColumn)
	assert.Equal(t, "town-0", first.Value(0))
	last := batches[2].Columns[0].(*models.StringColumn)
	assert.Equal(t, "town-2499", last.Value(451))
	assert.Equal(t, 0.5, batches[0].Columns[1].(*models.Float64Column).Value(0))
	assert.Equal(t, -1.25, batches[0].Columns[2].(*models.Float64Column).Value(1))
}

func TestCSVSource_Reopen(t *testing.T) {
	path := writeFile(t, "cities.csv", []byte(cityCSV(10)))
	src := newCitySource(t, path, DefaultCSVOptions())

	a, err := readAll(t, src)
	require.NoError(t, err)
	b, err := readAll(t, src)
	require.NoError(t, err)
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.True(t, a[0].Equal(b[0]))
}

func TestCSVSource_HeaderOnly(t *testing.T) {
	path := writeFile(t, "empty.csv", []byte("city,lat,lng\n"))
	batches, err := readAll(t, newCitySource(t, path, DefaultCSVOptions()))
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestCSVSource_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unparseable float", "city,lat,lng\nLondon,51.5,-0.12\nBath,north,-2.36\n"},
		{"short row", "city,lat,lng\nLondon,51.5,-0.12\nBath,51.38\n"},
		{"header width", "city,lat\nLondon,51.5\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "bad.csv", []byte(tt.data))
			_, err := readAll(t, newCitySource(t, path, DefaultCSVOptions()))
			require.Error(t, err)
			assert.True(t, errors.IsSourceError(err), "got %v", err)
		})
	}
}

func TestCSVSource_MissingFile(t *testing.T) {
	src := newCitySource(t, filepath.Join(t.TempDir(), "missing.csv"), DefaultCSVOptions())
	_, err := src.Open(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsSourceError(err))
}

func TestCSVSource_NullValues(t *testing.T) {
	schema := models.NewSchema(
		models.Field{Name: "city", Type: models.TypeString},
		models.Field{Name: "population", Type: models.TypeInt64, Nullable: true},
	)
	path := writeFile(t, "pop.tsv", []byte("city\tpopulation\nLondon\t8900000\nNowhere\tNA\n"))

	opts := DefaultCSVOptions()
	opts.Delimiter = '\t'
	opts.NullValues = []string{"NA"}
	src, err := NewCSVSource(FileOpener{Path: path}, schema, opts, nil, zerolog.Nop())
	require.NoError(t, err)

	batches, err := readAll(t, src)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	pop := batches[0].Columns[1].(*models.Int64Column)
	assert.Equal(t, int64(8900000), pop.Value(0))
	assert.True(t, pop.IsNull(1))
	assert.Equal(t, 1, pop.NullCount())
}

func TestCSVSource_NullInRequiredField(t *testing.T) {
	path := writeFile(t, "cities.csv", []byte("city,lat,lng\nLondon,,-0.12\n"))
	opts := DefaultCSVOptions()
	opts.NullValues = []string{""}

	_, err := readAll(t, newCitySource(t, path, opts))
	require.Error(t, err)
	assert.True(t, errors.IsSourceError(err))
}

func TestCSVSource_Compressed(t *testing.T) {
	plain := []byte(cityCSV(1500))

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, err := gw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	var zs bytes.Buffer
	zw, err := zstd.NewWriter(&zs)
	require.NoError(t, err)
	_, err = zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	var sz bytes.Buffer
	sw := snappy.NewBufferedWriter(&sz)
	_, err = sw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, sw.Close())

	files := map[string][]byte{
		"cities.csv.gz":  gz.Bytes(),
		"cities.csv.zst": zs.Bytes(),
		"cities.csv.sz":  sz.Bytes(),
	}
	for name, data := range files {
		t.Run(name, func(t *testing.T) {
			batches, err := readAll(t, newCitySource(t, writeFile(t, name, data), DefaultCSVOptions()))
			require.NoError(t, err)
			require.Len(t, batches, 2)
			assert.Equal(t, 1024, batches[0].NumRows)
			assert.Equal(t, 476, batches[1].NumRows)
		})
	}
}

func TestCSVSource_Canceled(t *testing.T) {
	path := writeFile(t, "cities.csv", []byte(cityCSV(10)))
	p, err := newCitySource(t, path, DefaultCSVOptions()).Open(context.Background())
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Next(ctx)
	require.Error(t, err)
	assert.Equal(t, errors.CodeCanceled, errors.GetCode(err))
}

func TestCSVSource_NextAfterClose(t *testing.T) {
	path := writeFile(t, "cities.csv", []byte(cityCSV(10)))
	p, err := newCitySource(t, path, DefaultCSVOptions()).Open(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.Next(context.Background())
	assert.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}
