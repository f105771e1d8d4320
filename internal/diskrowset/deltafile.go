package diskrowset

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/kudu-go/tablet/internal/base"
	"github.com/kudu-go/tablet/internal/deltamem"
	"github.com/kudu-go/tablet/internal/record"
)

// Delta files (undo and redo) are streams of length-prefixed CRC32C
// frames, each holding one encoded DeltaEntry (spec.md §4.5), reusing
// internal/record's chunk framing exactly as internal/walog does — the
// same wire format, a different payload codec. Grounded on
// internal/walog/record_codec.go's putUvarint/putBytes idiom.

func putUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func putBytes(buf []byte, b []byte) []byte {
	buf = putUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func encodeDeltaEntry(e *deltamem.DeltaEntry) []byte {
	buf := putUvarint(nil, uint64(e.Ordinal))
	buf = putUvarint(buf, uint64(e.Ts))
	buf = putUvarint(buf, uint64(e.BatchSeq))
	buf = append(buf, byte(e.Kind))
	buf = putUvarint(buf, uint64(len(e.Changes)))
	for _, ch := range e.Changes {
		buf = putUvarint(buf, uint64(ch.ColumnIndex))
		if ch.Value.Null {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = putBytes(buf, ch.Value.Data)
	}
	return buf
}

type deltaByteReader struct {
	buf []byte
	err error
}

func (r *deltaByteReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = errors.Wrap(base.ErrCorruption, "diskrowset: truncated varint")
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *deltaByteReader) byteVal() byte {
	if r.err != nil || len(r.buf) < 1 {
		r.err = errors.Wrap(base.ErrCorruption, "diskrowset: truncated byte")
		return 0
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b
}

func (r *deltaByteReader) bytes() []byte {
	n := r.uvarint()
	if r.err != nil {
		return nil
	}
	if uint64(len(r.buf)) < n {
		r.err = errors.Wrap(base.ErrCorruption, "diskrowset: truncated bytes")
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return append([]byte(nil), b...)
}

func decodeDeltaEntry(data []byte) (*deltamem.DeltaEntry, error) {
	r := &deltaByteReader{buf: data}
	e := &deltamem.DeltaEntry{}
	e.Ordinal = uint32(r.uvarint())
	e.Ts = base.Timestamp(r.uvarint())
	e.BatchSeq = int(r.uvarint())
	e.Kind = base.MutationKind(r.byteVal())
	n := r.uvarint()
	e.Changes = make([]base.ChangeEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		colIdx := int(r.uvarint())
		isNull := r.byteVal() == 1
		d := r.bytes()
		e.Changes = append(e.Changes, base.ChangeEntry{ColumnIndex: colIdx, Value: base.ColumnValue{Null: isNull, Data: d}})
	}
	if r.err != nil {
		return nil, r.err
	}
	return e, nil
}

// WriteDeltaFile serializes entries, in the order given, to w using
// internal/record framing, each record's payload snappy-compressed
// (compressPayload) the same way the base block is. Callers are
// responsible for ordering entries per spec.md §4.5's invariants before
// calling (ascending for a redo file, descending per-ordinal for an undo
// file).
func WriteDeltaFile(w io.Writer, entries []*deltamem.DeltaEntry) error {
	rw := record.NewWriter(w)
	for _, e := range entries {
		if err := rw.WriteRecord(compressPayload(encodeDeltaEntry(e))); err != nil {
			return errors.Wrap(base.ErrIOError, err.Error())
		}
	}
	return nil
}

// ReadDeltaFile deserializes a delta file written by WriteDeltaFile.
func ReadDeltaFile(r io.Reader) ([]*deltamem.DeltaEntry, error) {
	rr := record.NewReader(r)
	var out []*deltamem.DeltaEntry
	for {
		data, err := rr.ReadRecord()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrap(base.ErrCorruption, err.Error())
		}
		data, err = decompressPayload(data)
		if err != nil {
			return nil, err
		}
		e, err := decodeDeltaEntry(data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
}
