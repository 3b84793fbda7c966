package models

import (
	"bytes"
	"encoding/hex"
	"math"
	"strconv"
	"time"
)

// Column is one typed, row-aligned vector of a RecordBatch. The set of
// implementations is closed: BoolColumn, Int32Column, Int64Column,
// Float32Column, Float64Column, StringColumn, BinaryColumn and
// TimestampColumn. Callers recover the typed values with a type switch.
type Column interface {
	Type() TypeTag
	Len() int
	IsNull(i int) bool
	NullCount() int
	sealed()
}

// vector holds values plus an optional validity slice. A nil Valid means
// every row is valid. Values at null positions are unspecified.
type vector[T any] struct {
	Values []T
	Valid  []bool
}

func (v vector[T]) Len() int { return len(v.Values) }

func (v vector[T]) IsNull(i int) bool { return v.Valid != nil && !v.Valid[i] }

func (v vector[T]) NullCount() int {
	n := 0
	for _, ok := range v.Valid {
		if !ok {
			n++
		}
	}
	return n
}

// Value returns the value at row i.
func (v vector[T]) Value(i int) T { return v.Values[i] }

func (vector[T]) sealed() {}

type BoolColumn struct{ vector[bool] }

type Int32Column struct{ vector[int32] }

type Int64Column struct{ vector[int64] }

type Float32Column struct{ vector[float32] }

type Float64Column struct{ vector[float64] }

type StringColumn struct{ vector[string] }

type BinaryColumn struct{ vector[[]byte] }

// TimestampColumn stores microseconds since the Unix epoch, UTC.
type TimestampColumn struct{ vector[int64] }

func (*BoolColumn) Type() TypeTag      { return TypeBool }
func (*Int32Column) Type() TypeTag     { return TypeInt32 }
func (*Int64Column) Type() TypeTag     { return TypeInt64 }
func (*Float32Column) Type() TypeTag   { return TypeFloat32 }
func (*Float64Column) Type() TypeTag   { return TypeFloat64 }
func (*StringColumn) Type() TypeTag    { return TypeString }
func (*BinaryColumn) Type() TypeTag    { return TypeBinary }
func (*TimestampColumn) Type() TypeTag { return TypeTimestamp }

// Time returns the timestamp at row i.
func (c *TimestampColumn) Time(i int) time.Time {
	return time.UnixMicro(c.Values[i]).UTC()
}

func NewBoolColumn(values []bool, valid []bool) *BoolColumn {
	return &BoolColumn{vector[bool]{values, valid}}
}

func NewInt32Column(values []int32, valid []bool) *Int32Column {
	return &Int32Column{vector[int32]{values, valid}}
}

func NewInt64Column(values []int64, valid []bool) *Int64Column {
	return &Int64Column{vector[int64]{values, valid}}
}

func NewFloat32Column(values []float32, valid []bool) *Float32Column {
	return &Float32Column{vector[float32]{values, valid}}
}

func NewFloat64Column(values []float64, valid []bool) *Float64Column {
	return &Float64Column{vector[float64]{values, valid}}
}

func NewStringColumn(values []string, valid []bool) *StringColumn {
	return &StringColumn{vector[string]{values, valid}}
}

func NewBinaryColumn(values [][]byte, valid []bool) *BinaryColumn {
	return &BinaryColumn{vector[[]byte]{values, valid}}
}

func NewTimestampColumn(micros []int64, valid []bool) *TimestampColumn {
	return &TimestampColumn{vector[int64]{micros, valid}}
}

func equalVectors[T any](a, b vector[T], eq func(x, y T) bool) bool {
	if a.Len() != b.Len() {
		return false
	}
	for i := range a.Values {
		an, bn := a.IsNull(i), b.IsNull(i)
		if an != bn {
			return false
		}
		if !an && !eq(a.Values[i], b.Values[i]) {
			return false
		}
	}
	return true
}

func eqComparable[T comparable](x, y T) bool { return x == y }

func eqFloat64(x, y float64) bool { return x == y || (math.IsNaN(x) && math.IsNaN(y)) }

func eqFloat32(x, y float32) bool { return eqFloat64(float64(x), float64(y)) }

// ColumnsEqual compares type, length, null positions and the values at
// valid positions.
func ColumnsEqual(a, b Column) bool {
	if a == nil || b == nil || a.Type() != b.Type() {
		return false
	}
	switch x := a.(type) {
	case *BoolColumn:
		return equalVectors(x.vector, b.(*BoolColumn).vector, eqComparable[bool])
	case *Int32Column:
		return equalVectors(x.vector, b.(*Int32Column).vector, eqComparable[int32])
	case *Int64Column:
		return equalVectors(x.vector, b.(*Int64Column).vector, eqComparable[int64])
	case *Float32Column:
		return equalVectors(x.vector, b.(*Float32Column).vector, eqFloat32)
	case *Float64Column:
		return equalVectors(x.vector, b.(*Float64Column).vector, eqFloat64)
	case *StringColumn:
		return equalVectors(x.vector, b.(*StringColumn).vector, eqComparable[string])
	case *BinaryColumn:
		return equalVectors(x.vector, b.(*BinaryColumn).vector, bytes.Equal)
	case *TimestampColumn:
		return equalVectors(x.vector, b.(*TimestampColumn).vector, eqComparable[int64])
	}
	return false
}

// FormatValue renders row i of col for display.
func FormatValue(col Column, i int) string {
	if col.IsNull(i) {
		return "NULL"
	}
	switch c := col.(type) {
	case *BoolColumn:
		return strconv.FormatBool(c.Values[i])
	case *Int32Column:
		return strconv.FormatInt(int64(c.Values[i]), 10)
	case *Int64Column:
		return strconv.FormatInt(c.Values[i], 10)
	case *Float32Column:
		return strconv.FormatFloat(float64(c.Values[i]), 'g', -1, 32)
	case *Float64Column:
		return strconv.FormatFloat(c.Values[i], 'g', -1, 64)
	case *StringColumn:
		return c.Values[i]
	case *BinaryColumn:
		return hex.EncodeToString(c.Values[i])
	case *TimestampColumn:
		return c.Time(i).Format(time.RFC3339Nano)
	}
	return ""
}
