package diskrowset

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/kudu-go/tablet/internal/base"
	"github.com/kudu-go/tablet/internal/colblock"
)

// WriteTo serializes d's durable state — base block, base tombstone
// bitmap, and undo file — to w, using the same length-prefixed framing
// idiom as WriteDeltaFile. The base column block is snappy-compressed
// before framing (spec.md §4.5's base block is the tablet's largest
// durable structure, and column-major data compresses well); RedoFiles
// and DMS are not part of this encoding: redo entries live in their own
// files (written with WriteDeltaFile by the tablet's writeDRS), and DMS content is never durabilized directly,
// only via the WAL batches that produced it (spec.md §4.2's replay
// contract covers reconstructing it).
func (d *DiskRowSet) WriteTo(w io.Writer) error {
	buf := putUvarint(nil, d.ID)
	buf = putUvarint(buf, uint64(d.BaseTs))
	buf = putBytes(buf, compressPayload(d.Base.Marshal()))
	tomb := []byte(d.BaseTombstone)
	buf = putBytes(buf, tomb)
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(base.ErrIOError, err.Error())
	}
	return WriteDeltaFile(w, d.Undo)
}

// ReadDiskRowSet deserializes a DiskRowSet written by WriteTo, rebuilding
// its PK index and bloom filter from the decoded base block (both are
// pure derived structures, so persisting them would be redundant). Redo
// files are stored one-per-file rather than folded into this stream; the
// caller reattaches them by appending decoded entries to the returned
// DiskRowSet's RedoFiles field.
func ReadDiskRowSet(r io.Reader, schema *base.Schema, bitsPerKey uint32) (*DiskRowSet, error) {
	br := &streamByteReader{r: r}
	id := br.uvarint()
	baseTs := base.Timestamp(br.uvarint())
	blockBytes := br.bytes()
	tombBytes := br.bytes()
	if br.err != nil {
		return nil, br.err
	}
	blockBytes, err := decompressPayload(blockBytes)
	if err != nil {
		return nil, err
	}
	blk, err := colblock.UnmarshalBlock(schema, blockBytes)
	if err != nil {
		return nil, err
	}
	undo, err := ReadDeltaFile(r)
	if err != nil {
		return nil, err
	}

	index := NewPKIndex(32)
	for i, k := range blk.Keys {
		index.Insert(k, uint32(i))
	}
	bloom := NewBloomFilter(len(blk.Keys), bitsPerKey)
	for _, k := range blk.Keys {
		bloom.Add(k)
	}
	var tombstone colblock.Bitmap
	if len(tombBytes) > 0 {
		tombstone = colblock.Bitmap(tombBytes)
	}
	return New(id, schema, baseTs, blk, index, bloom, tombstone, undo), nil
}

// streamByteReader reads the same uvarint/length-prefixed-bytes shapes as
// byteReader/deltaByteReader, but off an io.Reader rather than a byte
// slice, since a DiskRowSet's persisted form is read straight off a file.
type streamByteReader struct {
	r   io.Reader
	err error
}

func (r *streamByteReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	var v uint64
	var shift uint
	var b [1]byte
	for {
		if _, err := io.ReadFull(r.r, b[:]); err != nil {
			r.err = errors.Wrap(base.ErrCorruption, "diskrowset: truncated varint")
			return 0
		}
		v |= uint64(b[0]&0x7f) << shift
		if b[0]&0x80 == 0 {
			return v
		}
		shift += 7
		if shift >= 64 {
			r.err = errors.Wrap(base.ErrCorruption, "diskrowset: varint overflow")
			return 0
		}
	}
}

func (r *streamByteReader) bytes() []byte {
	n := r.uvarint()
	if r.err != nil {
		return nil
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		r.err = errors.Wrap(base.ErrCorruption, "diskrowset: truncated bytes")
		return nil
	}
	return buf
}
