// Package fuzzmodel implements the shadow-model property harness spec.md
// §8 describes: a generator that produces operation sequences under the
// fuzzing contract's constraints (§8's "never insert an already-live
// key, never update/delete an absent key, never flush when there are no
// pending ops"), a Runner that drives them against a *tablet.Tablet, and
// a shadow Model of key → latest value plus one recorded snapshot per
// committed batch, used to check every invariant in §8 after the fact.
// Grounded on the teacher's own metamorphic philosophy (generate a
// sequence, replay against a model) without depending on its metamorphic
// framework — see DESIGN.md.
package fuzzmodel

import (
	"context"
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/kudu-go/tablet"
	"github.com/kudu-go/tablet/internal/base"
	"github.com/kudu-go/tablet/internal/compaction"
	"github.com/kudu-go/tablet/vfs"
)

// Schema is the fixed {key int32, value int32 nullable} schema every
// scenario in spec.md §8 is phrased against.
func Schema() *base.Schema {
	s, err := base.NewSchema([]base.ColumnDef{
		{Name: "key", Type: base.ColumnTypeInt32},
		{Name: "value", Type: base.ColumnTypeInt32, Nullable: true},
	}, 1)
	if err != nil {
		panic(err)
	}
	return s
}

// OpKind is one generated step: either a row operation buffered into the
// open WriteSession, or a maintenance/lifecycle operation that the
// fuzzing contract allows to interleave with writes at any point.
type OpKind int

const (
	OpInsert OpKind = iota
	OpUpdate
	OpDelete
	OpUpsertPkOnly
	OpFlushOps
	OpFlushMRS
	OpFlushDeltas
	OpMinorCompact
	OpMajorCompact
	OpCompactAll
	OpRestart
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "Insert"
	case OpUpdate:
		return "Update"
	case OpDelete:
		return "Delete"
	case OpUpsertPkOnly:
		return "UpsertPkOnly"
	case OpFlushOps:
		return "FlushOps"
	case OpFlushMRS:
		return "FlushMRS"
	case OpFlushDeltas:
		return "FlushDeltas"
	case OpMinorCompact:
		return "MinorCompactDeltas"
	case OpMajorCompact:
		return "MajorCompactDeltas"
	case OpCompactAll:
		return "CompactAll"
	case OpRestart:
		return "Restart"
	default:
		return "Unknown"
	}
}

// Op is one step of a generated sequence. Key and Value are only
// meaningful for the row-operation kinds.
type Op struct {
	Kind  OpKind
	Key   int32
	Value int32
}

// keyState is the shadow model's record of one key's state.
type keyState struct {
	live  bool
	null  bool
	value int32
}

// snapshot is the shadow model's recorded state as of one committed
// batch's commit timestamp, used to check snapshot stability (spec.md
// §8) for as long as the Runner keeps it around.
type snapshot struct {
	ts    base.Timestamp
	state map[int32]keyState
}

// Model is the harness's oracle: current key → value and a history of
// past commit snapshots.
type Model struct {
	state   map[int32]keyState
	history []snapshot
}

func newModel() *Model {
	return &Model{state: make(map[int32]keyState)}
}

func cloneState(m map[int32]keyState) map[int32]keyState {
	out := make(map[int32]keyState, len(m))
	for k, v := range m {
		if v.live {
			out[k] = v
		}
	}
	return out
}

// recordCommit snapshots the model's current live state under ts, so a
// later VerifySnapshots call can check a scan at ts against exactly this.
func (m *Model) recordCommit(ts base.Timestamp) {
	m.history = append(m.history, snapshot{ts: ts, state: cloneState(m.state)})
}

// liveKeys returns every key the model considers live, for the generator
// to pick an update/delete target from.
func (m *Model) liveKeys() []int32 {
	out := make([]int32, 0, len(m.state))
	for k, v := range m.state {
		if v.live {
			out = append(out, k)
		}
	}
	return out
}

// Runner drives a generated or explicit Op sequence against a real
// *tablet.Tablet while keeping Model in lockstep, exactly the way the
// fuzz-itest.cc harness (original_source/) drives a tablet server
// against its own in-process shadow map.
type Runner struct {
	dir    string
	fs     vfs.FS
	opts   tablet.Options
	schema *base.Schema

	tab    *tablet.Tablet
	ws     *tablet.WriteSession
	model  *Model
	rng    *rand.Rand
	nextID int32

	pendingOps int
}

// NewRunner opens a fresh tablet under dir (an in-memory filesystem by
// default) and returns a Runner ready to Step or ApplyOp.
func NewRunner(seed int64, fs vfs.FS, opts tablet.Options) (*Runner, error) {
	if fs == nil {
		fs = vfs.NewMem()
	}
	schema := Schema()
	opts.FS = fs
	tab, err := tablet.Open("/tablet", schema, opts)
	if err != nil {
		return nil, err
	}
	return &Runner{
		dir: "/tablet", fs: fs, opts: opts, schema: schema,
		tab: tab, ws: tab.NewWriteSession(), model: newModel(),
		rng: rand.New(rand.NewSource(seed)),
	}, nil
}

// Tablet exposes the underlying tablet, e.g. for Metrics() or
// CountLiveRows in a driver loop.
func (r *Runner) Tablet() *tablet.Tablet { return r.tab }

// Close releases the tablet.
func (r *Runner) Close() error { return r.tab.Close() }

// Next generates one Op. Update and delete keys are drawn from the model's
// live keys, and OpFlushOps is offered only while ops are pending. An
// insert key comes from nextKey and may already be live; ApplyOp then
// returns ErrSkip.
func (r *Runner) Next() Op {
	live := r.model.liveKeys()
	choices := []OpKind{OpInsert}
	if len(live) > 0 {
		choices = append(choices, OpUpdate, OpDelete, OpUpsertPkOnly)
	} else {
		choices = append(choices, OpUpsertPkOnly)
	}
	if r.pendingOps > 0 {
		choices = append(choices, OpFlushOps)
	}
	choices = append(choices, OpFlushMRS, OpFlushDeltas, OpMinorCompact, OpMajorCompact, OpCompactAll, OpRestart)

	switch choices[r.rng.Intn(len(choices))] {
	case OpInsert:
		k := r.nextKey()
		return Op{Kind: OpInsert, Key: k, Value: r.rng.Int31n(1000)}
	case OpUpdate:
		k := live[r.rng.Intn(len(live))]
		return Op{Kind: OpUpdate, Key: k, Value: r.rng.Int31n(1000)}
	case OpDelete:
		k := live[r.rng.Intn(len(live))]
		return Op{Kind: OpDelete, Key: k}
	case OpUpsertPkOnly:
		if len(live) > 0 && r.rng.Intn(2) == 0 {
			return Op{Kind: OpUpsertPkOnly, Key: live[r.rng.Intn(len(live))]}
		}
		return Op{Kind: OpUpsertPkOnly, Key: r.nextKey()}
	case OpFlushOps:
		return Op{Kind: OpFlushOps}
	case OpFlushMRS:
		return Op{Kind: OpFlushMRS}
	case OpFlushDeltas:
		return Op{Kind: OpFlushDeltas}
	case OpMinorCompact:
		return Op{Kind: OpMinorCompact}
	case OpMajorCompact:
		return Op{Kind: OpMajorCompact}
	case OpCompactAll:
		return Op{Kind: OpCompactAll}
	default:
		return Op{Kind: OpRestart}
	}
}

// nextKey picks a key biased toward a small, already-touched keyspace
// (so inserts/reinserts on the same key are common) but occasionally
// mints a brand new one.
func (r *Runner) nextKey() int32 {
	if r.nextID < 64 && r.rng.Intn(3) == 0 {
		r.nextID++
	}
	return r.rng.Int31n(maxInt32(r.nextID, 1))
}

func maxInt32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

// ErrSkip is returned by ApplyOp for a generated op that turned out to
// violate the fuzzing contract against the Runner's own model (e.g. an
// insert whose key Next drew is already live); callers generating their
// own sequences should filter these out rather than treat them as
// failures.
var ErrSkip = errors.New("fuzzmodel: op violates generator contract, skipped")

// ApplyOp applies one Op to both the tablet and the shadow model. A
// non-nil, non-ErrSkip error indicates a genuine engine failure the
// caller should fail the test on.
func (r *Runner) ApplyOp(op Op) error {
	switch op.Kind {
	case OpInsert:
		if st := r.model.state[op.Key]; st.live {
			return ErrSkip
		}
		r.ws.Insert(keyBytes(r.schema, op.Key), []base.ColumnValue{valueColumn(op.Value)})
		r.pendingOps++
		r.applyLocal(op.Key, true, op.Value)
		return nil

	case OpUpdate:
		if st := r.model.state[op.Key]; !st.live {
			return ErrSkip
		}
		r.ws.Update(keyBytes(r.schema, op.Key), []base.ChangeEntry{{ColumnIndex: 0, Value: valueColumn(op.Value)}})
		r.pendingOps++
		r.applyLocal(op.Key, true, op.Value)
		return nil

	case OpDelete:
		if st := r.model.state[op.Key]; !st.live {
			return ErrSkip
		}
		r.ws.Delete(keyBytes(r.schema, op.Key))
		r.pendingOps++
		r.model.state[op.Key] = keyState{live: false}
		return nil

	case OpUpsertPkOnly:
		r.ws.UpsertPkOnly(keyBytes(r.schema, op.Key))
		r.pendingOps++
		if st := r.model.state[op.Key]; st.live {
			// no-op update: value unchanged.
			r.model.state[op.Key] = st
		} else {
			r.model.state[op.Key] = keyState{live: true, null: true}
		}
		return nil

	case OpFlushOps:
		if r.pendingOps == 0 {
			return ErrSkip
		}
		ts, results, err := r.ws.Flush()
		if err != nil {
			return err
		}
		for _, res := range results {
			if res.Err != nil {
				return errors.Wrapf(res.Err, "fuzzmodel: unexpected per-row error")
			}
		}
		r.pendingOps = 0
		r.model.recordCommit(ts)
		return nil

	case OpFlushMRS:
		if err := r.tab.FlushMRS(); err != nil && err != compaction.ErrNothingToDo {
			return err
		}
		return nil

	case OpFlushDeltas:
		if err := r.tab.FlushBiggestDMS(); err != nil && err != compaction.ErrNothingToDo {
			return err
		}
		return nil

	case OpMinorCompact, OpMajorCompact:
		return r.compactDeltasOnEveryDRS(op.Kind)

	case OpCompactAll:
		if err := r.tab.Compact(true); err != nil && err != compaction.ErrNothingToDo {
			return err
		}
		return nil

	case OpRestart:
		return r.tab.Restart()

	default:
		return errors.Newf("fuzzmodel: unknown op kind %d", op.Kind)
	}
}

func (r *Runner) compactDeltasOnEveryDRS(kind OpKind) error {
	ckind := compaction.MinorDeltaCompaction
	if kind == OpMajorCompact {
		ckind = compaction.MajorDeltaCompaction
	}
	for _, id := range r.tab.DiskRowSetIDs() {
		if err := r.tab.CompactDeltas(ckind, id); err != nil && err != compaction.ErrNothingToDo {
			return err
		}
	}
	return nil
}

func (r *Runner) applyLocal(key int32, live bool, value int32) {
	encoded, isNull := base.EncodeTestValue(value)
	if isNull {
		r.model.state[key] = keyState{live: live, null: true}
	} else {
		r.model.state[key] = keyState{live: live, value: encoded}
	}
}

// Step generates and applies one Op, retrying on ErrSkip up to 16 times so
// callers need not understand the generator's constraints. If every
// attempt is skipped it returns the zero Op and a nil error, having
// applied nothing.
func (r *Runner) Step() (Op, error) {
	for i := 0; i < 16; i++ {
		op := r.Next()
		err := r.ApplyOp(op)
		if err == nil {
			return op, nil
		}
		if !errors.Is(err, ErrSkip) {
			return op, err
		}
	}
	return Op{}, nil
}

// VerifyLatest checks spec.md §8's read-your-writes / unique-live-key
// invariants: a ReadLatest scan must equal the shadow model's current
// live state exactly.
func (r *Runner) VerifyLatest() error {
	return r.verify(r.model.state, tablet.ScanOptions{Mode: tablet.ReadLatest, Order: tablet.OrderedByKey})
}

// VerifySnapshots checks spec.md §8's snapshot-stability and
// compaction/restart-neutrality invariants: a scan at every still-
// recorded commit timestamp must equal what the model held at that
// commit.
func (r *Runner) VerifySnapshots() error {
	for _, snap := range r.model.history {
		opts := tablet.ScanOptions{Mode: tablet.ReadAtSnapshot, SnapshotTs: snap.ts, Order: tablet.OrderedByKey}
		if err := r.verify(snap.state, opts); err != nil {
			return errors.Wrapf(err, "snapshot at ts %d", snap.ts)
		}
	}
	return nil
}

func (r *Runner) verify(want map[int32]keyState, opts tablet.ScanOptions) error {
	sc, err := r.tab.NewScanner(opts)
	if err != nil {
		return err
	}
	if err := sc.Open(context.Background()); err != nil {
		return err
	}
	got := make(map[int32]keyState)
	for {
		batch, more := sc.NextBatch(64)
		for _, row := range batch {
			k := decodeKey(row.Key)
			if row.Values[0].Null {
				got[k] = keyState{live: true, null: true}
			} else {
				got[k] = keyState{live: true, value: base.DecodeInt32(row.Values[0].Data)}
			}
		}
		if !more {
			break
		}
	}
	var wantKeys, gotKeys []int32
	for k, v := range want {
		if v.live {
			wantKeys = append(wantKeys, k)
		}
	}
	for k := range got {
		gotKeys = append(gotKeys, k)
	}
	if len(wantKeys) != len(gotKeys) {
		return errors.Newf("fuzzmodel: live key count mismatch: model %d, scan %d (model=%v scan=%v)",
			len(wantKeys), len(gotKeys), want, got)
	}
	for k, wv := range want {
		if !wv.live {
			continue
		}
		gv, ok := got[k]
		if !ok {
			return errors.Newf("fuzzmodel: key %d missing from scan", k)
		}
		if gv.null != wv.null || (!wv.null && gv.value != wv.value) {
			return errors.Newf("fuzzmodel: key %d mismatch: model %+v, scan %+v", k, wv, gv)
		}
	}
	return nil
}

func keyBytes(schema *base.Schema, k int32) []byte {
	return base.EncodeKey(schema, []base.ColumnValue{{Data: base.EncodeInt32(k)}})
}

func valueColumn(v int32) base.ColumnValue {
	encoded, isNull := base.EncodeTestValue(v)
	if isNull {
		return base.ColumnValue{Null: true}
	}
	return base.ColumnValue{Data: base.EncodeInt32(encoded)}
}

func decodeKey(encoded []byte) int32 {
	kb := append([]byte(nil), encoded...)
	kb[0] ^= 0x80
	return base.DecodeInt32(kb)
}
