package converter

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/flightline/pkg/errors"
	"github.com/TFMV/flightline/pkg/models"
)

func TestFlightInfoRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		info models.FlightInfo
	}{
		{
			name: "path",
			info: models.FlightInfo{
				Descriptor:   models.PathDescriptor("uk_cities"),
				Schema:       allTypesSchema(),
				Endpoints:    []models.Endpoint{{Ticket: []byte("uk_cities")}},
				TotalRecords: models.UnknownTotal,
				TotalBytes:   models.UnknownTotal,
			},
		},
		{
			name: "command with locations",
			info: models.FlightInfo{
				Descriptor: models.CommandDescriptor([]byte{0x00, 0xff}),
				Schema:     models.NewSchema(models.Field{Name: "id", Type: models.TypeInt64}),
				Endpoints: []models.Endpoint{{
					Ticket:    []byte("cmd-1"),
					Locations: []string{"grpc+tcp://a:1", "grpc+tcp://b:2"},
				}},
				TotalRecords: 10,
				TotalBytes:   800,
				Ordered:      true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fi, err := ToFlightInfo(tt.info, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.info.TotalRecords, fi.TotalRecords)

			back, err := FromFlightInfo(fi, memory.NewGoAllocator())
			require.NoError(t, err)
			assert.True(t, tt.info.Descriptor.Equal(back.Descriptor))
			assert.True(t, tt.info.Schema.Equal(back.Schema))
			assert.Equal(t, tt.info.Endpoints, back.Endpoints)
			assert.Equal(t, tt.info.TotalBytes, back.TotalBytes)
			assert.Equal(t, tt.info.Ordered, back.Ordered)
		})
	}
}

func TestToFlightDescriptor(t *testing.T) {
	fd := ToFlightDescriptor(models.PathDescriptor("a", "b"))
	assert.Equal(t, flight.DescriptorPATH, fd.Type)
	assert.Equal(t, []string{"a", "b"}, fd.Path)

	fd = ToFlightDescriptor(models.CommandDescriptor([]byte("SELECT 1")))
	assert.Equal(t, flight.DescriptorCMD, fd.Type)
	assert.Equal(t, []byte("SELECT 1"), fd.Cmd)
}

func TestFromFlightDescriptorRejectsUnknown(t *testing.T) {
	_, err := FromFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorUNKNOWN})
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = FromFlightDescriptor(nil)
	assert.True(t, errors.IsInvalidRequest(err))
}

func TestFromFlightInfoUnsupportedSchema(t *testing.T) {
	as := arrow.NewSchema([]arrow.Field{{Name: "tags", Type: arrow.ListOf(arrow.BinaryTypes.String)}}, nil)
	fi := &flight.FlightInfo{
		Schema:           flight.SerializeSchema(as, memory.DefaultAllocator),
		FlightDescriptor: &flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: []string{"tags"}},
	}
	_, err := FromFlightInfo(fi, nil)
	require.Error(t, err)
	assert.True(t, errors.IsProtocolError(err))
}
