package source

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/flightline/pkg/errors"
	"github.com/TFMV/flightline/pkg/models"
)

func cityBatch(t *testing.T, cities ...string) *models.RecordBatch {
	t.Helper()
	lat := make([]float64, len(cities))
	lng := make([]float64, len(cities))
	b, err := models.NewRecordBatch(citySchema, len(cities),
		models.NewStringColumn(cities, nil),
		models.NewFloat64Column(lat, nil),
		models.NewFloat64Column(lng, nil),
	)
	require.NoError(t, err)
	return b
}

func TestMemorySource_Order(t *testing.T) {
	b1 := cityBatch(t, "London", "Leeds")
	b2 := cityBatch(t, "York")
	src, err := NewMemorySource(citySchema, b1, b2)
	require.NoError(t, err)
	assert.True(t, src.Schema().Equal(citySchema))

	for i := 0; i < 2; i++ {
		p, err := src.Open(context.Background())
		require.NoError(t, err)
		got, err := Drain(context.Background(), p)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Same(t, b1, got[0])
		assert.Same(t, b2, got[1])

		_, err = p.Next(context.Background())
		assert.Equal(t, io.EOF, err)
		require.NoError(t, p.Close())
	}
}

func TestMemorySource_Empty(t *testing.T) {
	src, err := NewMemorySource(citySchema)
	require.NoError(t, err)
	p, err := src.Open(context.Background())
	require.NoError(t, err)
	_, err = p.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}

func TestMemorySource_RejectsMismatchedBatch(t *testing.T) {
	other := models.NewSchema(models.Field{Name: "id", Type: models.TypeInt64})
	_, err := NewMemorySource(other, cityBatch(t, "London"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = NewMemorySource(models.Schema{})
	assert.Error(t, err)
}

func TestMemorySource_CanceledOpen(t *testing.T) {
	src, err := NewMemorySource(citySchema)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Open(ctx)
	assert.Error(t, err)
}
