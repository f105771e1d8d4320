package colblock

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/kudu-go/tablet/internal/base"
)

// ColumnBlock holds one schema column's values for every row in a base
// block, column-major (spec.md §4.5). Fixed-width columns (Bool, Int8/16/
// 32/64) are stored as contiguous fixed-stride bytes; Bytes columns are
// stored as concatenated data plus one end-offset per row, mirroring
// ptable/column.go's `Bytes` type but as plain slices.
type ColumnBlock struct {
	Type    base.ColumnType
	NumRows int
	Null    Bitmap // nil if the column is non-nullable

	fixed   []byte   // width*NumRows bytes, present for fixed-width types
	varData []byte   // concatenated payload, present for ColumnTypeBytes
	offsets []uint32 // len == NumRows, end offset of row i's slice into varData
}

// EncodeColumn builds a ColumnBlock from a column's values across all
// rows of a base block.
func EncodeColumn(def base.ColumnDef, values []base.ColumnValue) *ColumnBlock {
	cb := &ColumnBlock{Type: def.Type, NumRows: len(values)}
	if def.Nullable {
		cb.Null = NewBitmap(len(values))
		for i, v := range values {
			cb.Null.Set(i, v.Null)
		}
	}
	if def.Type == base.ColumnTypeBytes {
		cb.offsets = make([]uint32, len(values))
		var off uint32
		for i, v := range values {
			if !v.Null {
				cb.varData = append(cb.varData, v.Data...)
				off += uint32(len(v.Data))
			}
			cb.offsets[i] = off
		}
		return cb
	}
	width := def.Type.Width()
	cb.fixed = make([]byte, width*len(values))
	for i, v := range values {
		if !v.Null {
			copy(cb.fixed[i*width:(i+1)*width], v.Data)
		}
	}
	return cb
}

// At returns the value at row ordinal i.
func (cb *ColumnBlock) At(i int) base.ColumnValue {
	if cb.Null != nil && cb.Null.Get(i) {
		return base.ColumnValue{Null: true}
	}
	if cb.Type == base.ColumnTypeBytes {
		var start uint32
		if i > 0 {
			start = cb.offsets[i-1]
		}
		end := cb.offsets[i]
		return base.ColumnValue{Data: cb.varData[start:end]}
	}
	width := cb.Type.Width()
	return base.ColumnValue{Data: cb.fixed[i*width : (i+1)*width]}
}

// Marshal serializes a ColumnBlock to bytes for on-disk storage (spec.md
// §4.5, base_data). Format: nullBitmapLen(uvarint) nullBitmap
// fixedLen(uvarint) fixed varDataLen(uvarint) varData
// numOffsets(uvarint) offsets(uint32 each).
func (cb *ColumnBlock) Marshal() []byte {
	var out []byte
	out = appendUvarintBytes(out, cb.Null)
	out = appendUvarintBytes(out, cb.fixed)
	out = appendUvarintBytes(out, cb.varData)
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, uint64(len(cb.offsets)))
	out = append(out, buf[:n]...)
	for _, o := range cb.offsets {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], o)
		out = append(out, b[:]...)
	}
	return out
}

func appendUvarintBytes(dst []byte, data []byte) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, uint64(len(data)))
	dst = append(dst, buf[:n]...)
	return append(dst, data...)
}

// UnmarshalColumn parses bytes produced by ColumnBlock.Marshal for a
// column of the given type and row count.
func UnmarshalColumn(typ base.ColumnType, numRows int, data []byte) (*ColumnBlock, error) {
	cb := &ColumnBlock{Type: typ, NumRows: numRows}
	r := byteReader{buf: data}
	nullBytes := r.bytes()
	if len(nullBytes) > 0 {
		cb.Null = Bitmap(nullBytes)
	}
	cb.fixed = r.bytes()
	cb.varData = r.bytes()
	numOffsets := int(r.uvarint())
	cb.offsets = make([]uint32, numOffsets)
	for i := range cb.offsets {
		cb.offsets[i] = binary.BigEndian.Uint32(r.take(4))
	}
	if r.err != nil {
		return nil, errors.Wrap(base.ErrCorruption, "colblock: truncated column block")
	}
	return cb, nil
}

type byteReader struct {
	buf []byte
	err error
}

func (r *byteReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = errors.New("colblock: bad uvarint")
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *byteReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = errors.New("colblock: short read")
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *byteReader) bytes() []byte {
	n := int(r.uvarint())
	return r.take(n)
}

// Block is a base block for an entire schema: one ColumnBlock per value
// column, all with the same NumRows, plus the encoded primary keys in row
// order (spec.md §4.5).
type Block struct {
	Schema  *base.Schema
	Keys    [][]byte
	Columns []*ColumnBlock // parallel to Schema.ValueColumns()
}

// EncodeBlock builds a Block from a batch of rows already sorted by
// primary key, as produced by flushing a MemRowSet (spec.md §4.7 op 1).
func EncodeBlock(schema *base.Schema, rows []base.Row) *Block {
	blk := &Block{Schema: schema, Keys: make([][]byte, len(rows))}
	for i, r := range rows {
		blk.Keys[i] = r.Key
	}
	valueCols := schema.ValueColumns()
	blk.Columns = make([]*ColumnBlock, len(valueCols))
	for ci, def := range valueCols {
		vals := make([]base.ColumnValue, len(rows))
		for ri, r := range rows {
			vals[ri] = r.Values[ci]
		}
		blk.Columns[ci] = EncodeColumn(def, vals)
	}
	return blk
}

// NumRows returns the block's row count.
func (b *Block) NumRows() int { return len(b.Keys) }

// Marshal serializes an entire base block: row count, each key, then each
// column's Marshal output in schema value-column order. The schema itself
// is not encoded; the caller supplies it to UnmarshalBlock, matching the
// tablet's convention that a DiskRowSet's schema comes from the metadata
// file, not from the base block bytes.
func (b *Block) Marshal() []byte {
	var out []byte
	out = appendUvarintLen(out, len(b.Keys))
	for _, k := range b.Keys {
		out = appendUvarintBytes(out, k)
	}
	for _, cb := range b.Columns {
		out = appendUvarintBytes(out, cb.Marshal())
	}
	return out
}

func appendUvarintLen(dst []byte, n int) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	k := binary.PutUvarint(buf, uint64(n))
	return append(dst, buf[:k]...)
}

// UnmarshalBlock parses bytes produced by Block.Marshal, given the schema
// that produced them.
func UnmarshalBlock(schema *base.Schema, data []byte) (*Block, error) {
	r := byteReader{buf: data}
	numRows := int(r.uvarint())
	blk := &Block{Schema: schema, Keys: make([][]byte, numRows)}
	for i := range blk.Keys {
		blk.Keys[i] = r.bytes()
	}
	valueCols := schema.ValueColumns()
	blk.Columns = make([]*ColumnBlock, len(valueCols))
	for i, def := range valueCols {
		colBytes := r.bytes()
		if r.err != nil {
			break
		}
		cb, err := UnmarshalColumn(def.Type, numRows, colBytes)
		if err != nil {
			return nil, err
		}
		blk.Columns[i] = cb
	}
	if r.err != nil {
		return nil, errors.Wrap(base.ErrCorruption, "colblock: truncated base block")
	}
	return blk, nil
}

// RowAt reconstructs the row at ordinal i.
func (b *Block) RowAt(i int) base.Row {
	values := make([]base.ColumnValue, len(b.Columns))
	for ci, cb := range b.Columns {
		values[ci] = cb.At(i)
	}
	return base.Row{Key: b.Keys[i], Values: values}
}
