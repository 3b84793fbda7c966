package wire

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/flightline/pkg/models"
	"github.com/TFMV/flightline/pkg/source"
)

func allTypesSchema() models.Schema {
	return models.NewSchema(
		models.Field{Name: "b", Type: models.TypeBool, Nullable: true},
		models.Field{Name: "i32", Type: models.TypeInt32},
		models.Field{Name: "i64", Type: models.TypeInt64, Nullable: true},
		models.Field{Name: "f32", Type: models.TypeFloat32},
		models.Field{Name: "f64", Type: models.TypeFloat64, Nullable: true},
		models.Field{Name: "s", Type: models.TypeString, Nullable: true},
		models.Field{Name: "bin", Type: models.TypeBinary, Nullable: true},
		models.Field{Name: "ts", Type: models.TypeTimestamp},
	)
}

var citySchema = models.NewSchema(
	models.Field{Name: "city", Type: models.TypeString},
	models.Field{Name: "lat", Type: models.TypeFloat64},
	models.Field{Name: "lng", Type: models.TypeFloat64},
)

func randomValue(rng *rand.Rand, tag models.TypeTag) interface{} {
	switch tag {
	case models.TypeBool:
		return rng.Intn(2) == 1
	case models.TypeInt32:
		return int32(rng.Uint32())
	case models.TypeInt64:
		return rng.Int63() - rng.Int63()
	case models.TypeFloat32:
		return rng.Float32()*2e6 - 1e6
	case models.TypeFloat64:
		switch rng.Intn(20) {
		case 0:
			return math.NaN()
		case 1:
			return math.Inf(-1)
		}
		return rng.NormFloat64() * 1e3
	case models.TypeString:
		s := fmt.Sprintf("v%d-ü-%x", rng.Intn(1000), rng.Int63())
		return s[:rng.Intn(len(s)+1)]
	case models.TypeBinary:
		b := make([]byte, rng.Intn(9))
		rng.Read(b)
		return b
	case models.TypeTimestamp:
		return rng.Int63n(1<<52) - 1<<51
	}
	panic(fmt.Sprintf("no generator for %v", tag))
}

func randomBatch(rng *rand.Rand, schema models.Schema, rows int) (*models.RecordBatch, error) {
	cols := make([]models.Column, len(schema.Fields))
	for i, f := range schema.Fields {
		b, err := models.NewBuilder(f.Type)
		if err != nil {
			return nil, err
		}
		for r := 0; r < rows; r++ {
			if f.Nullable && rng.Intn(5) == 0 {
				b.AppendNull()
				continue
			}
			if err := b.Append(randomValue(rng, f.Type)); err != nil {
				return nil, err
			}
		}
		cols[i] = b.NewColumn()
	}
	return models.NewRecordBatch(schema, rows, cols...)
}

func cityBatch(t *testing.T, start, rows int) *models.RecordBatch {
	t.Helper()
	cities := make([]string, rows)
	lat := make([]float64, rows)
	lng := make([]float64, rows)
	for i := range cities {
		cities[i] = fmt.Sprintf("town-%d", start+i)
		lat[i] = 50 + float64(start+i)/1000
		lng[i] = -float64(start+i) / 1000
	}
	b, err := models.NewRecordBatch(citySchema, rows,
		models.NewStringColumn(cities, nil),
		models.NewFloat64Column(lat, nil),
		models.NewFloat64Column(lng, nil),
	)
	require.NoError(t, err)
	return b
}

// encodeAll runs the encoder over an in-memory source and collects the messages.
func encodeAll(enc *Encoder, batches ...*models.RecordBatch) ([]*flight.FlightData, Stats, error) {
	src, err := source.NewMemorySource(enc.Schema(), batches...)
	if err != nil {
		return nil, Stats{}, err
	}
	p, err := src.Open(context.Background())
	if err != nil {
		return nil, Stats{}, err
	}
	defer p.Close()

	var msgs []*flight.FlightData
	stats, err := enc.Encode(context.Background(), p, func(m Message) error {
		msgs = append(msgs, m.Data)
		return nil
	})
	return msgs, stats, err
}

// decodeAll drains a decoder and returns the batches seen before any error.
func decodeAll(dec *Decoder) ([]*models.RecordBatch, error) {
	var out []*models.RecordBatch
	for {
		b, err := dec.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
}

// sliceStream replays messages and then ends with err, or io.EOF.
type sliceStream struct {
	msgs []*flight.FlightData
	err  error
	pos  int
}

func (s *sliceStream) Recv() (*flight.FlightData, error) {
	if s.pos < len(s.msgs) {
		fd := s.msgs[s.pos]
		s.pos++
		return fd, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

// captureStream records flight writer output. The writer reuses its
// FlightData, so every message is copied.
type captureStream struct {
	msgs []*flight.FlightData
}

func (c *captureStream) Send(fd *flight.FlightData) error {
	c.msgs = append(c.msgs, &flight.FlightData{
		DataHeader: bytes.Clone(fd.DataHeader),
		DataBody:   bytes.Clone(fd.DataBody),
	})
	return nil
}
