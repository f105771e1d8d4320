package base

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ColumnType enumerates the primitive types spec.md §6 requires: fixed-width
// integers and variable-length binary. The engine makes no other semantic
// distinction among value-column types beyond how they encode.
type ColumnType uint8

const (
	ColumnTypeInt8 ColumnType = iota
	ColumnTypeInt16
	ColumnTypeInt32
	ColumnTypeInt64
	ColumnTypeBool
	ColumnTypeBytes
)

// Width returns the fixed on-wire width of the type, or -1 for a
// variable-length type.
func (t ColumnType) Width() int {
	switch t {
	case ColumnTypeInt8, ColumnTypeBool:
		return 1
	case ColumnTypeInt16:
		return 2
	case ColumnTypeInt32:
		return 4
	case ColumnTypeInt64:
		return 8
	case ColumnTypeBytes:
		return -1
	default:
		return -1
	}
}

func (t ColumnType) String() string {
	switch t {
	case ColumnTypeInt8:
		return "int8"
	case ColumnTypeInt16:
		return "int16"
	case ColumnTypeInt32:
		return "int32"
	case ColumnTypeInt64:
		return "int64"
	case ColumnTypeBool:
		return "bool"
	case ColumnTypeBytes:
		return "bytes"
	default:
		return fmt.Sprintf("ColumnType(%d)", uint8(t))
	}
}

// ColumnDef describes one column of a Schema.
type ColumnDef struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// Schema is a row's fixed, ordered column list with a primary-key prefix
// (spec.md §3): the first NumKeyColumns columns form the primary key and
// are immutable for the lifetime of a row; the rest are independently
// nullable value columns.
type Schema struct {
	Columns       []ColumnDef
	NumKeyColumns int
}

// NewSchema validates and constructs a Schema. Primary-key columns must not
// be nullable (a null column cannot participate in a unique-key ordering).
func NewSchema(cols []ColumnDef, numKeyColumns int) (*Schema, error) {
	if numKeyColumns < 1 || numKeyColumns > len(cols) {
		return nil, errors.Wrapf(ErrInvalidArgument, "invalid key column count %d for %d columns", numKeyColumns, len(cols))
	}
	for i := 0; i < numKeyColumns; i++ {
		if cols[i].Nullable {
			return nil, errors.Wrapf(ErrInvalidArgument, "primary key column %q must not be nullable", cols[i].Name)
		}
	}
	seen := make(map[string]bool, len(cols))
	for _, c := range cols {
		if seen[c.Name] {
			return nil, errors.Wrapf(ErrInvalidArgument, "duplicate column %q", c.Name)
		}
		seen[c.Name] = true
	}
	s := &Schema{Columns: append([]ColumnDef(nil), cols...), NumKeyColumns: numKeyColumns}
	return s, nil
}

// NumValueColumns returns the number of non-key value columns.
func (s *Schema) NumValueColumns() int { return len(s.Columns) - s.NumKeyColumns }

// KeyColumns returns the primary-key column prefix.
func (s *Schema) KeyColumns() []ColumnDef { return s.Columns[:s.NumKeyColumns] }

// ValueColumns returns the value-column suffix.
func (s *Schema) ValueColumns() []ColumnDef { return s.Columns[s.NumKeyColumns:] }

// ColumnIndex returns the index of the named column, or -1.
func (s *Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}
