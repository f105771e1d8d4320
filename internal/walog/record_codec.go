package walog

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/kudu-go/tablet/internal/base"
)

// recordKind distinguishes a mutation batch from a control record within
// the WAL, per spec.md §4.2: "Each record is either a mutation batch ...
// or a control record".
type recordKind byte

const (
	recordMutationBatch recordKind = 1
	recordControl       recordKind = 2
)

// ControlKind distinguishes flush and compaction control records
// (spec.md §4.2, §4.7).
type ControlKind byte

const (
	ControlFlushMarker      ControlKind = 1
	ControlCompactionMarker ControlKind = 2
)

// Control is a control record: it names the row sets it supersedes (made
// obsolete) and introduces (newly durable), so Replay can skip mutations
// already captured in a flushed or compacted image (spec.md §4.2).
type Control struct {
	Kind        ControlKind
	Ts          base.Timestamp
	Supersedes  []uint64
	Introduces  []uint64
}

// Batch is a mutation batch: one or more applied mutations sharing a
// single commit timestamp (spec.md §3, §4.2).
type Batch struct {
	Ts        base.Timestamp
	Mutations []base.Mutation
}

func putUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

func putBytes(buf []byte, b []byte) []byte {
	buf = putUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func encodeBatch(b Batch) []byte {
	buf := []byte{byte(recordMutationBatch)}
	buf = putUvarint(buf, uint64(b.Ts))
	buf = putUvarint(buf, uint64(len(b.Mutations)))
	for _, m := range b.Mutations {
		buf = append(buf, byte(m.Kind))
		buf = putBytes(buf, m.Key)
		buf = putUvarint(buf, uint64(len(m.Changes)))
		for _, ch := range m.Changes {
			buf = putUvarint(buf, uint64(ch.ColumnIndex))
			if ch.Value.Null {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
			buf = putBytes(buf, ch.Value.Data)
		}
	}
	return buf
}

func encodeControl(c Control) []byte {
	buf := []byte{byte(recordControl), byte(c.Kind)}
	buf = putUvarint(buf, uint64(c.Ts))
	buf = putUvarint(buf, uint64(len(c.Supersedes)))
	for _, id := range c.Supersedes {
		buf = putUvarint(buf, id)
	}
	buf = putUvarint(buf, uint64(len(c.Introduces)))
	for _, id := range c.Introduces {
		buf = putUvarint(buf, id)
	}
	return buf
}

// Record is a decoded WAL record: exactly one of Batch or Control is set.
type Record struct {
	Batch   *Batch
	Control *Control
}

func decodeRecord(data []byte) (Record, error) {
	if len(data) == 0 {
		return Record{}, errors.Wrap(base.ErrCorruption, "walog: empty record")
	}
	kind := recordKind(data[0])
	data = data[1:]
	switch kind {
	case recordMutationBatch:
		return decodeBatch(data)
	case recordControl:
		return decodeControl(data)
	default:
		return Record{}, errors.Wrapf(base.ErrCorruption, "walog: unknown record kind %d", kind)
	}
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
		r.err = errors.Wrap(base.ErrCorruption, "walog: truncated varint")
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *byteReader) bytes() []byte {
	n := r.uvarint()
	if r.err != nil {
		return nil
	}
	if uint64(len(r.buf)) < n {
		r.err = errors.Wrap(base.ErrCorruption, "walog: truncated bytes field")
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return append([]byte(nil), b...)
}

func (r *byteReader) byteVal() byte {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 1 {
		r.err = errors.Wrap(base.ErrCorruption, "walog: truncated byte field")
		return 0
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b
}

func decodeBatch(data []byte) (Record, error) {
	br := &byteReader{buf: data}
	ts := base.Timestamp(br.uvarint())
	n := br.uvarint()
	muts := make([]base.Mutation, 0, n)
	for i := uint64(0); i < n; i++ {
		kind := base.MutationKind(br.byteVal())
		key := br.bytes()
		nc := br.uvarint()
		changes := make([]base.ChangeEntry, 0, nc)
		for j := uint64(0); j < nc; j++ {
			colIdx := int(br.uvarint())
			isNull := br.byteVal() == 1
			d := br.bytes()
			changes = append(changes, base.ChangeEntry{ColumnIndex: colIdx, Value: base.ColumnValue{Null: isNull, Data: d}})
		}
		muts = append(muts, base.Mutation{Kind: kind, Key: key, Changes: changes, Ts: ts})
	}
	if br.err != nil {
		return Record{}, br.err
	}
	return Record{Batch: &Batch{Ts: ts, Mutations: muts}}, nil
}

func decodeControl(data []byte) (Record, error) {
	br := &byteReader{buf: data}
	kind := ControlKind(br.byteVal())
	ts := base.Timestamp(br.uvarint())
	ns := br.uvarint()
	supersedes := make([]uint64, 0, ns)
	for i := uint64(0); i < ns; i++ {
		supersedes = append(supersedes, br.uvarint())
	}
	ni := br.uvarint()
	introduces := make([]uint64, 0, ni)
	for i := uint64(0); i < ni; i++ {
		introduces = append(introduces, br.uvarint())
	}
	if br.err != nil {
		return Record{}, br.err
	}
	return Record{Control: &Control{Kind: kind, Ts: ts, Supersedes: supersedes, Introduces: introduces}}, nil
}
