// Package models provides the data model shared by the catalog, the batch
// sources, the wire codec and the client.
package models

import (
	"fmt"
	"strings"
)

// TypeTag identifies the element type of a column.
type TypeTag int

// Supported type tags. The set is closed; anything else is rejected by the
// converters and the decoder.
const (
	TypeInvalid TypeTag = iota
	TypeBool
	TypeInt32
	TypeInt64
	TypeFloat32
	TypeFloat64
	TypeString
	TypeBinary
	TypeTimestamp
)

var typeNames = map[TypeTag]string{
	TypeBool:      "bool",
	TypeInt32:     "int32",
	TypeInt64:     "int64",
	TypeFloat32:   "float32",
	TypeFloat64:   "float64",
	TypeString:    "string",
	TypeBinary:    "binary",
	TypeTimestamp: "timestamp",
}

// String returns the configuration name of the tag.
func (t TypeTag) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("TypeTag(%d)", int(t))
}

// ParseTypeTag resolves a configuration name such as "float64" or "utf8".
func ParseTypeTag(name string) (TypeTag, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bool", "boolean":
		return TypeBool, nil
	case "int32", "int":
		return TypeInt32, nil
	case "int64", "bigint":
		return TypeInt64, nil
	case "float32", "float":
		return TypeFloat32, nil
	case "float64", "double":
		return TypeFloat64, nil
	case "string", "utf8", "varchar", "text":
		return TypeString, nil
	case "binary", "bytes", "blob":
		return TypeBinary, nil
	case "timestamp":
		return TypeTimestamp, nil
	}
	return TypeInvalid, fmt.Errorf("unsupported column type %q", name)
}

// Field describes one column of a schema.
type Field struct {
	Name     string  `json:"name" yaml:"name"`
	Type     TypeTag `json:"type" yaml:"type"`
	Nullable bool    `json:"nullable" yaml:"nullable"`
}

// Schema is an ordered field list. Column position, not name, binds batch
// data to fields.
type Schema struct {
	Fields []Field `json:"fields"`
}

// NewSchema builds a schema from fields.
func NewSchema(fields ...Field) Schema {
	return Schema{Fields: fields}
}

// NumFields returns the number of fields.
func (s Schema) NumFields() int { return len(s.Fields) }

// Validate checks the schema has fields with names and supported types.
func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema has no fields")
	}
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("field %d has no name", i)
		}
		if _, ok := typeNames[f.Type]; !ok {
			return fmt.Errorf("field %q has unsupported type %v", f.Name, f.Type)
		}
	}
	return nil
}

// Equal reports whether both schemas list the same fields in the same order.
func (s Schema) Equal(other Schema) bool {
	if len(s.Fields) != len(other.Fields) {
		return false
	}
	for i := range s.Fields {
		if s.Fields[i] != other.Fields[i] {
			return false
		}
	}
	return true
}

func (s Schema) String() string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		null := "not null"
		if f.Nullable {
			null = "null"
		}
		parts[i] = fmt.Sprintf("%s: %s %s", f.Name, f.Type, null)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
