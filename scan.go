package tablet

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"

	"github.com/kudu-go/tablet/internal/base"
	"github.com/kudu-go/tablet/internal/compaction"
	"github.com/kudu-go/tablet/internal/mvcc"
)

// ReadMode selects between reading the latest committed state or a fixed
// past snapshot (spec.md §4.6).
type ReadMode int

const (
	ReadLatest ReadMode = iota
	ReadAtSnapshot
)

// OrderMode selects whether a scan returns rows in primary-key order or
// in whatever order its underlying row sets happen to produce them
// (spec.md §6).
type OrderMode int

const (
	Unordered OrderMode = iota
	OrderedByKey
)

// PredOp is a predicate's comparison operator.
type PredOp int

const (
	PredEq PredOp = iota
	PredLt
	PredLte
	PredGt
	PredGte
)

// Predicate restricts a scan to rows whose column at ColumnIndex (an
// index into Schema.ValueColumns()) satisfies Op against Value.
type Predicate struct {
	ColumnIndex int
	Op          PredOp
	Value       base.ColumnValue
}

// ScanOptions configures a Scanner.
type ScanOptions struct {
	Mode       ReadMode
	SnapshotTs base.Timestamp // used only when Mode == ReadAtSnapshot
	Order      OrderMode

	// Start and End bound the encoded primary-key range scanned, both
	// optional.
	Start, End []byte

	Predicates []Predicate
	// Projection lists value-column indices to keep, in order. Nil keeps
	// every value column.
	Projection []int
}

// Scanner materializes a consistent snapshot of the tablet and iterates
// its rows (spec.md §6). Not safe for concurrent use.
type Scanner struct {
	mvccMgr *mvcc.Manager
	schema  *base.Schema
	opts    ScanOptions
	snapTs  base.Timestamp
	v       *compaction.Version

	released bool
	rows     []base.Row
	pos      int
}

// NewScanner captures the row-set registry and an MVCC snapshot together,
// so the scan that follows sees an atomically consistent view (spec.md
// §4.6, §5). The snapshot is registered with the MVCC manager so merging
// compaction's clean-time advancement (internal/mvcc's
// CleanTimeCandidate) never elides history this scan still needs; Open
// releases the registration once it has finished consulting row-set
// state, and Close releases it early if the caller abandons the scan
// without calling Open.
func (t *Tablet) NewScanner(opts ScanOptions) (*Scanner, error) {
	ts := opts.SnapshotTs
	if opts.Mode == ReadLatest {
		ts = base.MaxTimestamp
	}
	snap, err := t.mvccMgr.TakeSnapshot(ts)
	if err != nil {
		return nil, err
	}
	t.mvccMgr.RegisterSnapshot(snap.Ts)
	return &Scanner{mvccMgr: t.mvccMgr, schema: t.schema, opts: opts, snapTs: snap.Ts, v: t.registry.Load()}, nil
}

// Open runs the scan to completion against the captured snapshot,
// buffering matching, projected rows for NextBatch to hand out. ctx's
// deadline is checked between rows; a cancellation partway through
// returns ErrTimedOut with whatever was already buffered discarded, per
// spec.md §7 ("a scan's deadline elapses before it completes").
func (s *Scanner) Open(ctx context.Context) error {
	defer s.Close()
	var rows []base.Row
	timedOut := false
	_ = scanAll(s.v, s.snapTs, s.opts.Start, s.opts.End, func(r base.Row) bool {
		select {
		case <-ctx.Done():
			timedOut = true
			return false
		default:
		}
		if matchesPredicates(s.schema, r, s.opts.Predicates) {
			rows = append(rows, project(r, s.opts.Projection))
		}
		return true
	})
	if timedOut {
		return base.ErrTimedOut
	}
	if s.opts.Order == OrderedByKey {
		sort.Slice(rows, func(i, j int) bool { return base.Compare(rows[i].Key, rows[j].Key) < 0 })
	}
	s.rows = rows
	return nil
}

// Close releases the snapshot this Scanner holds open, if Open hasn't
// already done so. Safe to call more than once and safe to skip if Open
// was called — idle cleanup for a caller that abandons a Scanner between
// NewScanner and Open.
func (s *Scanner) Close() {
	if s.released {
		return
	}
	s.released = true
	s.mvccMgr.ReleaseSnapshot(s.snapTs)
}

// NextBatch returns up to n more rows and whether any remain after it.
func (s *Scanner) NextBatch(n int) ([]base.Row, bool) {
	if s.pos >= len(s.rows) {
		return nil, false
	}
	end := s.pos + n
	if end > len(s.rows) {
		end = len(s.rows)
	}
	batch := s.rows[s.pos:end]
	s.pos = end
	return batch, s.pos < len(s.rows)
}

// scanAll merges live rows from the MemRowSet and every DiskRowSet as of
// ts within [start, end), deduplicating by key. Spec.md's "unique live
// key" invariant (§3) means at most one row set actually holds a given
// key live at once; the seen-set below is a defensive measure, not load-
// bearing for correctness under that invariant.
func scanAll(v *compaction.Version, ts base.Timestamp, start, end []byte, emit func(base.Row) bool) error {
	seen := make(map[string]bool)
	stop := false
	v.MRS.Scan(start, end, ts, func(r base.Row) bool {
		seen[string(r.Key)] = true
		if !emit(r) {
			stop = true
			return false
		}
		return true
	})
	if stop {
		return nil
	}
	for _, d := range v.DRSs {
		d.Scan(start, end, ts, func(r base.Row) bool {
			if seen[string(r.Key)] {
				return true
			}
			seen[string(r.Key)] = true
			if !emit(r) {
				stop = true
				return false
			}
			return true
		})
		if stop {
			break
		}
	}
	return nil
}

func project(r base.Row, cols []int) base.Row {
	if cols == nil {
		return r
	}
	out := base.Row{Key: r.Key, Values: make([]base.ColumnValue, len(cols))}
	for i, c := range cols {
		out.Values[i] = r.Values[c]
	}
	return out
}

func matchesPredicates(schema *base.Schema, r base.Row, preds []Predicate) bool {
	for _, p := range preds {
		v := r.Values[p.ColumnIndex]
		if v.Null || p.Value.Null {
			return false
		}
		typ := schema.ValueColumns()[p.ColumnIndex].Type
		cmp := compareTypedValue(typ, v.Data, p.Value.Data)
		var ok bool
		switch p.Op {
		case PredEq:
			ok = cmp == 0
		case PredLt:
			ok = cmp < 0
		case PredLte:
			ok = cmp <= 0
		case PredGt:
			ok = cmp > 0
		case PredGte:
			ok = cmp >= 0
		}
		if !ok {
			return false
		}
	}
	return true
}

// compareTypedValue compares two encoded ColumnValue payloads of the same
// type by their actual numeric or lexicographic order, not raw byte
// order: a plain byte comparison would misorder negative signed integers,
// whose sign bit is not flipped the way EncodeKey flips it for primary
// keys.
func compareTypedValue(t base.ColumnType, a, b []byte) int {
	switch t {
	case base.ColumnTypeInt8:
		return compareInt(int64(int8(a[0])), int64(int8(b[0])))
	case base.ColumnTypeInt16:
		return compareInt(int64(int16(binary.BigEndian.Uint16(a))), int64(int16(binary.BigEndian.Uint16(b))))
	case base.ColumnTypeInt32:
		return compareInt(int64(base.DecodeInt32(a)), int64(base.DecodeInt32(b)))
	case base.ColumnTypeInt64:
		return compareInt(base.DecodeInt64(a), base.DecodeInt64(b))
	case base.ColumnTypeBool:
		return int(a[0]) - int(b[0])
	default:
		return bytes.Compare(a, b)
	}
}

func compareInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
