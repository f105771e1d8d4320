package base

import "bytes"

// Compare orders two encoded primary keys. Keys are built by EncodeKey so
// that lexicographic byte comparison matches the schema's declared column
// order — this is the Compare used throughout MemRowSet, the DiskRowSet PK
// index, and the row-set registry's key-range disjointness checks
// (invariant 2, spec.md §3).
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// EncodeKey encodes the primary-key column values of a row into a single
// order-preserving byte string, per the schema's key-column prefix.
// Multi-column keys are order-preserving because each column's encoding is
// escaped so that concatenation cannot introduce spurious prefix
// relationships between different key tuples.
func EncodeKey(schema *Schema, keyValues []ColumnValue) []byte {
	var buf []byte
	for i, col := range schema.KeyColumns() {
		buf = appendKeyColumn(buf, col.Type, keyValues[i].Data)
	}
	return buf
}

func appendKeyColumn(buf []byte, t ColumnType, data []byte) []byte {
	switch t {
	case ColumnTypeInt8:
		return append(buf, data[0]^0x80)
	case ColumnTypeInt16:
		v := append([]byte(nil), data...)
		v[0] ^= 0x80
		return append(buf, v...)
	case ColumnTypeInt32:
		v := append([]byte(nil), data...)
		v[0] ^= 0x80
		return append(buf, v...)
	case ColumnTypeInt64:
		v := append([]byte(nil), data...)
		v[0] ^= 0x80
		return append(buf, v...)
	case ColumnTypeBool:
		return append(buf, data[0])
	case ColumnTypeBytes:
		// Escape 0x00 as 0x00 0xFF, terminate with 0x00 0x00, so that no
		// encoded value is a prefix of another and byte order matches.
		for _, b := range data {
			if b == 0x00 {
				buf = append(buf, 0x00, 0xFF)
			} else {
				buf = append(buf, b)
			}
		}
		return append(buf, 0x00, 0x00)
	default:
		return append(buf, data...)
	}
}
