package models

import (
	"fmt"
	"time"
)

// RecordBatch is one chunk of row-aligned columns, one per schema field.
type RecordBatch struct {
	NumRows int
	Columns []Column
}

// NewRecordBatch builds a batch and validates it against schema.
func NewRecordBatch(schema Schema, numRows int, columns ...Column) (*RecordBatch, error) {
	b := &RecordBatch{NumRows: numRows, Columns: columns}
	if err := b.Validate(schema); err != nil {
		return nil, err
	}
	return b, nil
}

// Validate checks column count, types, lengths and nullability against schema.
func (b *RecordBatch) Validate(schema Schema) error {
	if b.NumRows < 0 {
		return fmt.Errorf("negative row count %d", b.NumRows)
	}
	if len(b.Columns) != len(schema.Fields) {
		return fmt.Errorf("batch has %d columns, schema has %d fields", len(b.Columns), len(schema.Fields))
	}
	for i, col := range b.Columns {
		f := schema.Fields[i]
		if col == nil {
			return fmt.Errorf("column %q is nil", f.Name)
		}
		if col.Type() != f.Type {
			return fmt.Errorf("column %q has type %v, field declares %v", f.Name, col.Type(), f.Type)
		}
		if col.Len() != b.NumRows {
			return fmt.Errorf("column %q has %d values, batch has %d rows", f.Name, col.Len(), b.NumRows)
		}
		if err := validityLen(col); err != nil {
			return fmt.Errorf("column %q: %w", f.Name, err)
		}
		if !f.Nullable && col.NullCount() > 0 {
			return fmt.Errorf("column %q is not nullable but has %d nulls", f.Name, col.NullCount())
		}
	}
	return nil
}

func validityLen(col Column) error {
	var n int
	switch c := col.(type) {
	case *BoolColumn:
		n = len(c.Valid)
	case *Int32Column:
		n = len(c.Valid)
	case *Int64Column:
		n = len(c.Valid)
	case *Float32Column:
		n = len(c.Valid)
	case *Float64Column:
		n = len(c.Valid)
	case *StringColumn:
		n = len(c.Valid)
	case *BinaryColumn:
		n = len(c.Valid)
	case *TimestampColumn:
		n = len(c.Valid)
	}
	if n != 0 && n != col.Len() {
		return fmt.Errorf("validity has %d entries for %d values", n, col.Len())
	}
	return nil
}

// Equal compares row counts and column contents.
func (b *RecordBatch) Equal(other *RecordBatch) bool {
	if b == nil || other == nil {
		return b == other
	}
	if b.NumRows != other.NumRows || len(b.Columns) != len(other.Columns) {
		return false
	}
	for i := range b.Columns {
		if !ColumnsEqual(b.Columns[i], other.Columns[i]) {
			return false
		}
	}
	return true
}

// Builder accumulates values for one column.
type Builder interface {
	Append(v interface{}) error
	AppendNull()
	Len() int
	// NewColumn returns the built column and resets the builder.
	NewColumn() Column
}

// NewBuilder returns a builder for tag.
func NewBuilder(tag TypeTag) (Builder, error) {
	switch tag {
	case TypeBool:
		return &builder[bool]{coerce: toBool, wrap: func(v vector[bool]) Column { return &BoolColumn{v} }}, nil
	case TypeInt32:
		return &builder[int32]{coerce: toInt32, wrap: func(v vector[int32]) Column { return &Int32Column{v} }}, nil
	case TypeInt64:
		return &builder[int64]{coerce: toInt64, wrap: func(v vector[int64]) Column { return &Int64Column{v} }}, nil
	case TypeFloat32:
		return &builder[float32]{coerce: toFloat32, wrap: func(v vector[float32]) Column { return &Float32Column{v} }}, nil
	case TypeFloat64:
		return &builder[float64]{coerce: toFloat64, wrap: func(v vector[float64]) Column { return &Float64Column{v} }}, nil
	case TypeString:
		return &builder[string]{coerce: toString, wrap: func(v vector[string]) Column { return &StringColumn{v} }}, nil
	case TypeBinary:
		return &builder[[]byte]{coerce: toBytes, wrap: func(v vector[[]byte]) Column { return &BinaryColumn{v} }}, nil
	case TypeTimestamp:
		return &builder[int64]{coerce: toMicros, wrap: func(v vector[int64]) Column { return &TimestampColumn{v} }}, nil
	}
	return nil, fmt.Errorf("unsupported column type %v", tag)
}

type builder[T any] struct {
	values  []T
	valid   []bool
	hasNull bool
	coerce  func(interface{}) (T, error)
	wrap    func(vector[T]) Column
}

func (b *builder[T]) Append(v interface{}) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	x, err := b.coerce(v)
	if err != nil {
		return err
	}
	b.values = append(b.values, x)
	b.valid = append(b.valid, true)
	return nil
}

func (b *builder[T]) AppendNull() {
	var zero T
	b.values = append(b.values, zero)
	b.valid = append(b.valid, false)
	b.hasNull = true
}

func (b *builder[T]) Len() int { return len(b.values) }

func (b *builder[T]) NewColumn() Column {
	v := vector[T]{Values: b.values}
	if v.Values == nil {
		v.Values = []T{}
	}
	if b.hasNull {
		v.Valid = b.valid
	}
	b.values, b.valid, b.hasNull = nil, nil, false
	return b.wrap(v)
}

func mismatch(want string, v interface{}) error {
	return fmt.Errorf("cannot use %T as %s", v, want)
}

func toBool(v interface{}) (bool, error) {
	if x, ok := v.(bool); ok {
		return x, nil
	}
	return false, mismatch("bool", v)
}

func toInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	}
	return 0, mismatch("int64", v)
}

func toInt32(v interface{}) (int32, error) {
	x, err := toInt64(v)
	if err != nil {
		return 0, mismatch("int32", v)
	}
	if x < -1<<31 || x > 1<<31-1 {
		return 0, fmt.Errorf("value %d overflows int32", x)
	}
	return int32(x), nil
}

func toFloat64(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	}
	if i, err := toInt64(v); err == nil {
		return float64(i), nil
	}
	return 0, mismatch("float64", v)
}

func toFloat32(v interface{}) (float32, error) {
	if x, ok := v.(float32); ok {
		return x, nil
	}
	f, err := toFloat64(v)
	if err != nil {
		return 0, mismatch("float32", v)
	}
	return float32(f), nil
}

func toString(v interface{}) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	}
	return "", mismatch("string", v)
}

func toBytes(v interface{}) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return append([]byte(nil), x...), nil
	case string:
		return []byte(x), nil
	}
	return nil, mismatch("binary", v)
}

func toMicros(v interface{}) (int64, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UnixMicro(), nil
	case int64:
		return x, nil
	}
	return 0, mismatch("timestamp", v)
}
