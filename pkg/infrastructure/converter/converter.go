// Package converter provides conversion between Apache Arrow records and
// the typed batches of the models package.
package converter

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/TFMV/flightline/pkg/errors"
	"github.com/TFMV/flightline/pkg/models"
)

// TimestampType is the Arrow type used for models.TypeTimestamp.
var TimestampType = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

// ToArrowType maps a type tag to its Arrow data type.
func ToArrowType(tag models.TypeTag) (arrow.DataType, error) {
	switch tag {
	case models.TypeBool:
		return arrow.FixedWidthTypes.Boolean, nil
	case models.TypeInt32:
		return arrow.PrimitiveTypes.Int32, nil
	case models.TypeInt64:
		return arrow.PrimitiveTypes.Int64, nil
	case models.TypeFloat32:
		return arrow.PrimitiveTypes.Float32, nil
	case models.TypeFloat64:
		return arrow.PrimitiveTypes.Float64, nil
	case models.TypeString:
		return arrow.BinaryTypes.String, nil
	case models.TypeBinary:
		return arrow.BinaryTypes.Binary, nil
	case models.TypeTimestamp:
		return TimestampType, nil
	}
	return nil, errors.Protocol("unsupported column type %v", tag)
}

// FromArrowType maps an Arrow data type to a type tag. Types outside the
// supported set, including dictionary and nested types, are rejected.
func FromArrowType(dt arrow.DataType) (models.TypeTag, error) {
	switch dt.ID() {
	case arrow.BOOL:
		return models.TypeBool, nil
	case arrow.INT32:
		return models.TypeInt32, nil
	case arrow.INT64:
		return models.TypeInt64, nil
	case arrow.FLOAT32:
		return models.TypeFloat32, nil
	case arrow.FLOAT64:
		return models.TypeFloat64, nil
	case arrow.STRING:
		return models.TypeString, nil
	case arrow.BINARY:
		return models.TypeBinary, nil
	case arrow.TIMESTAMP:
		return models.TypeTimestamp, nil
	}
	return models.TypeInvalid, errors.Protocol("unsupported arrow type %s", dt)
}

// ToArrowSchema converts a schema to its Arrow form.
func ToArrowSchema(schema models.Schema) (*arrow.Schema, error) {
	fields := make([]arrow.Field, len(schema.Fields))
	for i, f := range schema.Fields {
		dt, err := ToArrowType(f.Type)
		if err != nil {
			return nil, err
		}
		fields[i] = arrow.Field{Name: f.Name, Type: dt, Nullable: f.Nullable}
	}
	return arrow.NewSchema(fields, nil), nil
}

// FromArrowSchema converts an Arrow schema.
func FromArrowSchema(schema *arrow.Schema) (models.Schema, error) {
	fields := make([]models.Field, schema.NumFields())
	for i, f := range schema.Fields() {
		tag, err := FromArrowType(f.Type)
		if err != nil {
			return models.Schema{}, errors.Protocol("field %q: %s", f.Name, errors.GetMessage(err))
		}
		fields[i] = models.Field{Name: f.Name, Type: tag, Nullable: f.Nullable}
	}
	return models.Schema{Fields: fields}, nil
}

// ToArrowRecord builds an Arrow record from batch. The batch is validated
// against schema first; a mismatch is a protocol error.
func ToArrowRecord(mem memory.Allocator, arrowSchema *arrow.Schema, schema models.Schema, batch *models.RecordBatch) (arrow.Record, error) {
	if err := batch.Validate(schema); err != nil {
		return nil, errors.Wrap(err, errors.CodeProtocolError, "batch does not match schema")
	}

	bld := array.NewRecordBuilder(mem, arrowSchema)
	defer bld.Release()

	for i, col := range batch.Columns {
		if err := appendColumn(bld.Field(i), col); err != nil {
			return nil, errors.Wrapf(err, errors.CodeInternal, "append column %q", schema.Fields[i].Name)
		}
	}
	return bld.NewRecord(), nil
}

func appendColumn(fb array.Builder, col models.Column) error {
	switch c := col.(type) {
	case *models.BoolColumn:
		b, ok := fb.(*array.BooleanBuilder)
		if !ok {
			return builderMismatch(fb, col)
		}
		b.AppendValues(c.Values, c.Valid)
	case *models.Int32Column:
		b, ok := fb.(*array.Int32Builder)
		if !ok {
			return builderMismatch(fb, col)
		}
		b.AppendValues(c.Values, c.Valid)
	case *models.Int64Column:
		b, ok := fb.(*array.Int64Builder)
		if !ok {
			return builderMismatch(fb, col)
		}
		b.AppendValues(c.Values, c.Valid)
	case *models.Float32Column:
		b, ok := fb.(*array.Float32Builder)
		if !ok {
			return builderMismatch(fb, col)
		}
		b.AppendValues(c.Values, c.Valid)
	case *models.Float64Column:
		b, ok := fb.(*array.Float64Builder)
		if !ok {
			return builderMismatch(fb, col)
		}
		b.AppendValues(c.Values, c.Valid)
	case *models.StringColumn:
		b, ok := fb.(*array.StringBuilder)
		if !ok {
			return builderMismatch(fb, col)
		}
		b.AppendValues(c.Values, c.Valid)
	case *models.BinaryColumn:
		b, ok := fb.(*array.BinaryBuilder)
		if !ok {
			return builderMismatch(fb, col)
		}
		b.AppendValues(c.Values, c.Valid)
	case *models.TimestampColumn:
		b, ok := fb.(*array.TimestampBuilder)
		if !ok {
			return builderMismatch(fb, col)
		}
		ts := make([]arrow.Timestamp, len(c.Values))
		for i, v := range c.Values {
			ts[i] = arrow.Timestamp(v)
		}
		b.AppendValues(ts, c.Valid)
	default:
		return fmt.Errorf("unsupported column %T", col)
	}
	return nil
}

func builderMismatch(fb array.Builder, col models.Column) error {
	return fmt.Errorf("builder %s cannot hold %v", fb.Type(), col.Type())
}

// FromArrowRecord copies an Arrow record into a typed batch. The result does
// not reference Arrow memory, so rec may be released afterwards.
func FromArrowRecord(rec arrow.Record, schema models.Schema) (batch *models.RecordBatch, err error) {
	// Buffers come off the wire; a layout the checks below miss must still
	// surface as a protocol error rather than crash the reader.
	defer func() {
		if p := recover(); p != nil {
			batch, err = nil, errors.Protocol("malformed record batch: %v", p)
		}
	}()

	if int(rec.NumCols()) != len(schema.Fields) {
		return nil, errors.Protocol("record has %d columns, schema has %d fields", rec.NumCols(), len(schema.Fields))
	}

	rows := int(rec.NumRows())
	cols := make([]models.Column, len(schema.Fields))
	for i, f := range schema.Fields {
		arr := rec.Column(i)
		if arr.Len() != rows {
			return nil, errors.Protocol("column %q has %d values, record has %d rows", f.Name, arr.Len(), rows)
		}
		if err := checkOffsets(arr); err != nil {
			return nil, errors.Protocol("column %q: %s", f.Name, err)
		}
		col, err := fromArray(arr, f.Type)
		if err != nil {
			return nil, errors.Protocol("column %q: %s", f.Name, errors.GetMessage(err))
		}
		cols[i] = col
	}

	batch = &models.RecordBatch{NumRows: rows, Columns: cols}
	if err := batch.Validate(schema); err != nil {
		return nil, errors.Wrap(err, errors.CodeProtocolError, "decoded batch does not match schema")
	}
	return batch, nil
}

// checkOffsets rejects variable-width arrays whose offsets decrease or point
// past the value buffer. arrow-go only bounds the last offset.
func checkOffsets(arr arrow.Array) error {
	var offsets []int32
	switch a := arr.(type) {
	case *array.String:
		offsets = a.ValueOffsets()
	case *array.Binary:
		offsets = a.ValueOffsets()
	default:
		return nil
	}
	if arr.Len() == 0 {
		return nil
	}

	dataLen := 0
	if bufs := arr.Data().Buffers(); len(bufs) > 2 && bufs[2] != nil {
		dataLen = bufs[2].Len()
	}
	prev := int32(0)
	for i, off := range offsets {
		if off < prev {
			return fmt.Errorf("offset %d (%d) is out of order", i, off)
		}
		if int(off) > dataLen {
			return fmt.Errorf("offset %d (%d) exceeds value buffer of %d bytes", i, off, dataLen)
		}
		prev = off
	}
	return nil
}

func validity(arr arrow.Array) []bool {
	if arr.NullN() == 0 {
		return nil
	}
	valid := make([]bool, arr.Len())
	for i := range valid {
		valid[i] = arr.IsValid(i)
	}
	return valid
}

func fromArray(arr arrow.Array, tag models.TypeTag) (models.Column, error) {
	valid := validity(arr)
	switch tag {
	case models.TypeBool:
		a, ok := arr.(*array.Boolean)
		if !ok {
			return nil, arrayMismatch(arr, tag)
		}
		values := make([]bool, a.Len())
		for i := range values {
			values[i] = a.Value(i)
		}
		return models.NewBoolColumn(values, valid), nil
	case models.TypeInt32:
		a, ok := arr.(*array.Int32)
		if !ok {
			return nil, arrayMismatch(arr, tag)
		}
		return models.NewInt32Column(append([]int32{}, a.Int32Values()...), valid), nil
	case models.TypeInt64:
		a, ok := arr.(*array.Int64)
		if !ok {
			return nil, arrayMismatch(arr, tag)
		}
		return models.NewInt64Column(append([]int64{}, a.Int64Values()...), valid), nil
	case models.TypeFloat32:
		a, ok := arr.(*array.Float32)
		if !ok {
			return nil, arrayMismatch(arr, tag)
		}
		return models.NewFloat32Column(append([]float32{}, a.Float32Values()...), valid), nil
	case models.TypeFloat64:
		a, ok := arr.(*array.Float64)
		if !ok {
			return nil, arrayMismatch(arr, tag)
		}
		return models.NewFloat64Column(append([]float64{}, a.Float64Values()...), valid), nil
	case models.TypeString:
		a, ok := arr.(*array.String)
		if !ok {
			return nil, arrayMismatch(arr, tag)
		}
		values := make([]string, a.Len())
		for i := range values {
			if a.IsValid(i) {
				values[i] = strings.Clone(a.Value(i))
			}
		}
		return models.NewStringColumn(values, valid), nil
	case models.TypeBinary:
		a, ok := arr.(*array.Binary)
		if !ok {
			return nil, arrayMismatch(arr, tag)
		}
		values := make([][]byte, a.Len())
		for i := range values {
			if a.IsValid(i) {
				values[i] = append([]byte{}, a.Value(i)...)
			}
		}
		return models.NewBinaryColumn(values, valid), nil
	case models.TypeTimestamp:
		a, ok := arr.(*array.Timestamp)
		if !ok {
			return nil, arrayMismatch(arr, tag)
		}
		unit := a.DataType().(*arrow.TimestampType).Unit
		values := make([]int64, a.Len())
		for i := range values {
			if a.IsValid(i) {
				values[i] = a.Value(i).ToTime(unit).UnixMicro()
			}
		}
		return models.NewTimestampColumn(values, valid), nil
	}
	return nil, fmt.Errorf("unsupported column type %v", tag)
}

func arrayMismatch(arr arrow.Array, tag models.TypeTag) error {
	return fmt.Errorf("arrow array %s does not match field type %v", arr.DataType(), tag)
}
