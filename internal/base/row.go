package base

// ColumnValue is one column's materialized value: either NULL, or Data
// holding its encoded bytes (fixed-width big-endian for integers, raw
// bytes for ColumnTypeBytes).
type ColumnValue struct {
	Null bool
	Data []byte
}

// Row is a fully materialized row: the encoded primary key plus one
// ColumnValue per value column, in schema order. The primary-key columns
// themselves are not repeated in Values — they are recoverable by decoding
// Key against the Schema when needed.
type Row struct {
	Key    []byte
	Values []ColumnValue
}

// Clone returns a deep copy of r, so callers can safely mutate returned
// rows from a Scanner without racing the row set they came from.
func (r Row) Clone() Row {
	out := Row{Key: append([]byte(nil), r.Key...), Values: make([]ColumnValue, len(r.Values))}
	for i, v := range r.Values {
		if v.Data != nil {
			out.Values[i] = ColumnValue{Null: v.Null, Data: append([]byte(nil), v.Data...)}
		} else {
			out.Values[i] = v
		}
	}
	return out
}

// Equal reports whether two rows are byte-equal, used by compaction- and
// restart-neutrality tests (spec.md §8) to compare scan results.
func (r Row) Equal(other Row) bool {
	if string(r.Key) != string(other.Key) || len(r.Values) != len(other.Values) {
		return false
	}
	for i := range r.Values {
		a, b := r.Values[i], other.Values[i]
		if a.Null != b.Null || string(a.Data) != string(b.Data) {
			return false
		}
	}
	return true
}
