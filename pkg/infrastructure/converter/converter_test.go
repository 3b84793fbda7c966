package converter

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/flightline/pkg/errors"
	"github.com/TFMV/flightline/pkg/models"
)

func allTypesSchema() models.Schema {
	return models.NewSchema(
		models.Field{Name: "b", Type: models.TypeBool, Nullable: true},
		models.Field{Name: "i32", Type: models.TypeInt32},
		models.Field{Name: "i64", Type: models.TypeInt64, Nullable: true},
		models.Field{Name: "f32", Type: models.TypeFloat32},
		models.Field{Name: "f64", Type: models.TypeFloat64},
		models.Field{Name: "s", Type: models.TypeString, Nullable: true},
		models.Field{Name: "bin", Type: models.TypeBinary, Nullable: true},
		models.Field{Name: "ts", Type: models.TypeTimestamp},
	)
}

func allTypesBatch(t *testing.T) *models.RecordBatch {
	t.Helper()
	b, err := models.NewRecordBatch(allTypesSchema(), 3,
		models.NewBoolColumn([]bool{true, false, true}, []bool{true, false, true}),
		models.NewInt32Column([]int32{1, -2, 3}, nil),
		models.NewInt64Column([]int64{10, 0, 30}, []bool{true, false, true}),
		models.NewFloat32Column([]float32{1.5, 2.5, 3.5}, nil),
		models.NewFloat64Column([]float64{51.5074, -0.1278, 0}, nil),
		models.NewStringColumn([]string{"London", "", "Leeds"}, []bool{true, false, true}),
		models.NewBinaryColumn([][]byte{{0x01}, nil, {}}, []bool{true, false, true}),
		models.NewTimestampColumn([]int64{0, 1_700_000_000_000_000, -1}, nil),
	)
	require.NoError(t, err)
	return b
}

func TestSchemaConversion(t *testing.T) {
	schema := allTypesSchema()
	as, err := ToArrowSchema(schema)
	require.NoError(t, err)
	require.Equal(t, 8, as.NumFields())
	assert.Equal(t, arrow.BinaryTypes.String, as.Field(5).Type)
	assert.True(t, as.Field(0).Nullable)
	assert.False(t, as.Field(1).Nullable)

	back, err := FromArrowSchema(as)
	require.NoError(t, err)
	assert.True(t, schema.Equal(back))
}

func TestFromArrowSchemaRejectsUnsupported(t *testing.T) {
	tests := []struct {
		name string
		dt   arrow.DataType
	}{
		{"dictionary", &arrow.DictionaryType{IndexType: arrow.PrimitiveTypes.Int32, ValueType: arrow.BinaryTypes.String}},
		{"list", arrow.ListOf(arrow.PrimitiveTypes.Int64)},
		{"struct", arrow.StructOf(arrow.Field{Name: "x", Type: arrow.PrimitiveTypes.Int64})},
		{"decimal", &arrow.Decimal128Type{Precision: 10, Scale: 2}},
		{"large string", arrow.BinaryTypes.LargeString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromArrowSchema(arrow.NewSchema([]arrow.Field{{Name: "c", Type: tt.dt}}, nil))
			require.Error(t, err)
			assert.True(t, errors.IsProtocolError(err))
		})
	}
}

func TestRecordRoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	schema := allTypesSchema()
	as, err := ToArrowSchema(schema)
	require.NoError(t, err)

	batch := allTypesBatch(t)
	rec, err := ToArrowRecord(mem, as, schema, batch)
	require.NoError(t, err)

	assert.Equal(t, int64(3), rec.NumRows())
	assert.Equal(t, 1, rec.Column(0).NullN())

	back, err := FromArrowRecord(rec, schema)
	rec.Release()
	require.NoError(t, err)
	assert.True(t, batch.Equal(back))
}

func TestToArrowRecordMismatch(t *testing.T) {
	schema := models.NewSchema(models.Field{Name: "lat", Type: models.TypeFloat64})
	as, err := ToArrowSchema(schema)
	require.NoError(t, err)

	bad := &models.RecordBatch{NumRows: 1, Columns: []models.Column{models.NewStringColumn([]string{"x"}, nil)}}
	_, err = ToArrowRecord(memory.NewGoAllocator(), as, schema, bad)
	require.Error(t, err)
	assert.True(t, errors.IsProtocolError(err))
}

func TestFromArrowRecordMismatch(t *testing.T) {
	mem := memory.NewGoAllocator()
	as := arrow.NewSchema([]arrow.Field{{Name: "v", Type: arrow.PrimitiveTypes.Int64}}, nil)
	bld := array.NewRecordBuilder(mem, as)
	defer bld.Release()
	bld.Field(0).(*array.Int64Builder).AppendValues([]int64{1, 2}, nil)
	rec := bld.NewRecord()
	defer rec.Release()

	t.Run("wrong type", func(t *testing.T) {
		_, err := FromArrowRecord(rec, models.NewSchema(models.Field{Name: "v", Type: models.TypeFloat64}))
		require.Error(t, err)
		assert.True(t, errors.IsProtocolError(err))
	})

	t.Run("wrong column count", func(t *testing.T) {
		_, err := FromArrowRecord(rec, models.NewSchema(
			models.Field{Name: "v", Type: models.TypeInt64},
			models.Field{Name: "w", Type: models.TypeInt64},
		))
		require.Error(t, err)
		assert.True(t, errors.IsProtocolError(err))
	})
}

func TestTimestampUnits(t *testing.T) {
	mem := memory.NewGoAllocator()
	dt := &arrow.TimestampType{Unit: arrow.Millisecond}
	as := arrow.NewSchema([]arrow.Field{{Name: "ts", Type: dt}}, nil)
	bld := array.NewRecordBuilder(mem, as)
	defer bld.Release()
	bld.Field(0).(*array.TimestampBuilder).Append(arrow.Timestamp(1500))
	rec := bld.NewRecord()
	defer rec.Release()

	batch, err := FromArrowRecord(rec, models.NewSchema(models.Field{Name: "ts", Type: models.TypeTimestamp}))
	require.NoError(t, err)
	assert.Equal(t, []int64{1_500_000}, batch.Columns[0].(*models.TimestampColumn).Values)
}
