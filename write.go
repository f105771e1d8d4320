package tablet

import (
	"github.com/cockroachdb/errors"
	"github.com/kudu-go/tablet/internal/base"
	"github.com/kudu-go/tablet/internal/compaction"
	"github.com/kudu-go/tablet/internal/walog"
)

// WriteSession buffers row operations and commits them together as one
// batch sharing a single commit timestamp (spec.md §6). Not safe for
// concurrent use; a tablet may have many WriteSessions open at once, each
// flushed independently, but Flush itself is serialized against every
// other Flush and every maintenance operation on the same Tablet (spec.md
// §5: "the write path is single-threaded per tablet").
type WriteSession struct {
	t   *Tablet
	ops []base.Op
}

// NewWriteSession returns a WriteSession bound to t.
func (t *Tablet) NewWriteSession() *WriteSession {
	return &WriteSession{t: t}
}

func fullChangeList(values []base.ColumnValue) []base.ChangeEntry {
	out := make([]base.ChangeEntry, len(values))
	for i, v := range values {
		out[i] = base.ChangeEntry{ColumnIndex: i, Value: v}
	}
	return out
}

// Insert buffers an INSERT: fails at Flush time with ErrAlreadyPresent if
// pk is currently live.
func (ws *WriteSession) Insert(pk []byte, values []base.ColumnValue) *WriteSession {
	ws.ops = append(ws.ops, base.Op{Kind: base.OpInsert, Key: pk, Changes: fullChangeList(values)})
	return ws
}

// Update buffers a sparse UPDATE against pk: fails at Flush time with
// ErrNotFound if pk is not currently live.
func (ws *WriteSession) Update(pk []byte, changes []base.ChangeEntry) *WriteSession {
	ws.ops = append(ws.ops, base.Op{Kind: base.OpUpdate, Key: pk, Changes: changes})
	return ws
}

// Delete buffers a DELETE against pk: fails at Flush time with
// ErrNotFound if pk is not currently live.
func (ws *WriteSession) Delete(pk []byte) *WriteSession {
	ws.ops = append(ws.ops, base.Op{Kind: base.OpDelete, Key: pk})
	return ws
}

// Upsert buffers an UPSERT, resolved at apply time per spec.md §3: against
// a live row it becomes an UPDATE with the given changelist; against an
// absent or tombstoned row it becomes an INSERT with the given values.
// Passing a nil values slice models a PK-only upsert.
func (ws *WriteSession) Upsert(pk []byte, values []base.ColumnValue) *WriteSession {
	op := base.Op{Kind: base.OpUpsert, Key: pk}
	if values != nil {
		op.Changes = fullChangeList(values)
	}
	ws.ops = append(ws.ops, op)
	return ws
}

// UpsertPkOnly buffers a PK-only UPSERT: against a live row it becomes a
// no-op-but-timestamp-advancing empty-changelist UPDATE; against an
// absent row it becomes an INSERT with every value column null.
func (ws *WriteSession) UpsertPkOnly(pk []byte) *WriteSession {
	return ws.Upsert(pk, nil)
}

// Flush resolves every buffered op against current tablet state, appends
// one durable WAL batch, applies the resolved mutations, and advances the
// MVCC safe-time watermark. Partial failure does not abort the batch: a
// per-row error is returned for the failing op while every other op in
// the batch still commits (spec.md §6). The returned timestamp is the
// one commit timestamp every mutation in the batch shares, so a caller
// (the fuzz harness's shadow model, in particular) can record exactly
// which snapshot a batch becomes visible at.
func (ws *WriteSession) Flush() (base.Timestamp, []base.OpResult, error) {
	t := ws.t
	if t.failed.Load() {
		return 0, nil, base.ErrTabletFailed
	}
	if len(ws.ops) == 0 {
		return 0, nil, nil
	}
	if !t.limiter.TryAdmit(float64(len(ws.ops))) {
		return 0, nil, base.ErrServiceBusy
	}

	t.applyMu.Lock()
	defer t.applyMu.Unlock()

	v := t.registry.Load()
	ts := t.mvccMgr.StartMutation()
	committed := false
	defer func() {
		if !committed {
			t.mvccMgr.Commit(ts)
		}
	}()

	// overlay tracks the liveness each key within this batch would have
	// after every op resolved so far, so a later op on the same key (e.g.
	// Delete(k) followed by Insert(k,v) in one batch, spec.md §8 scenario
	// 1) resolves against the in-batch effect of the earlier op rather
	// than the pre-batch snapshot alone.
	overlay := make(map[string]bool, len(ws.ops))
	results := make([]base.OpResult, len(ws.ops))
	mutations := make([]base.Mutation, 0, len(ws.ops))
	for i, op := range ws.ops {
		m, err := resolveOp(t.schema, v, overlay, op, ts)
		if err != nil {
			results[i].Err = err
			continue
		}
		mutations = append(mutations, m)
		switch m.Kind {
		case base.MutationInsert, base.MutationReinsert, base.MutationUpdate:
			overlay[string(op.Key)] = true
		case base.MutationDelete:
			overlay[string(op.Key)] = false
		}
	}

	if len(mutations) > 0 {
		if err := t.wal.Append(walog.Batch{Ts: ts, Mutations: mutations}); err != nil {
			t.failed.Store(true)
			return 0, nil, err
		}
		batchSeq := int(t.batchSeq.Add(1))
		for _, m := range mutations {
			if err := t.applyMutation(v, m, batchSeq); err != nil {
				// Resolution already checked liveness against v under
				// applyMu, and no concurrent writer or maintenance
				// operation can have changed v since: this can only be a
				// genuine logic error.
				t.failed.Store(true)
				return 0, nil, errors.Wrap(base.ErrInvariantViolation, err.Error())
			}
		}
	}

	committed = true
	t.mvccMgr.Commit(ts)
	ws.ops = nil
	return ts, results, nil
}

// resolveOp turns a client-facing Op into a concrete, timestamped
// Mutation given the tablet's current row-set state overridden by
// overlay (this batch's own in-progress effects on the same key), or
// returns the per-row error Flush should surface for that op (spec.md
// §3's UPSERT-resolution rule, §7's user-error taxonomy).
func resolveOp(schema *base.Schema, v *compaction.Version, overlay map[string]bool, op base.Op, ts base.Timestamp) (base.Mutation, error) {
	live, ok := overlay[string(op.Key)]
	if !ok {
		live = isLive(v, op.Key)
	}
	switch op.Kind {
	case base.OpInsert:
		if live {
			return base.Mutation{}, base.ErrAlreadyPresent
		}
		return base.Mutation{Kind: base.MutationInsert, Key: op.Key, Changes: fullValueChanges(schema, op.Changes), Ts: ts}, nil

	case base.OpUpdate:
		if !live {
			return base.Mutation{}, base.ErrNotFound
		}
		return base.Mutation{Kind: base.MutationUpdate, Key: op.Key, Changes: op.Changes, Ts: ts}, nil

	case base.OpDelete:
		if !live {
			return base.Mutation{}, base.ErrNotFound
		}
		return base.Mutation{Kind: base.MutationDelete, Key: op.Key, Ts: ts}, nil

	case base.OpUpsert:
		if live {
			return base.Mutation{Kind: base.MutationUpdate, Key: op.Key, Changes: op.Changes, Ts: ts}, nil
		}
		return base.Mutation{Kind: base.MutationInsert, Key: op.Key, Changes: fullValueChanges(schema, op.Changes), Ts: ts}, nil

	default:
		return base.Mutation{}, errors.Newf("tablet: unknown op kind %d", op.Kind)
	}
}

// fullValueChanges expands a possibly-sparse or nil changelist into a full
// value-column list, defaulting every column not present to null — the
// resolution spec.md §3 gives a PK-only upsert against an absent row.
func fullValueChanges(schema *base.Schema, changes []base.ChangeEntry) []base.ChangeEntry {
	n := schema.NumValueColumns()
	if len(changes) == n {
		full := true
		for i, ch := range changes {
			if ch.ColumnIndex != i {
				full = false
				break
			}
		}
		if full {
			return changes
		}
	}
	out := make([]base.ChangeEntry, n)
	for i := range out {
		out[i] = base.ChangeEntry{ColumnIndex: i, Value: base.ColumnValue{Null: true}}
	}
	for _, ch := range changes {
		out[ch.ColumnIndex] = ch
	}
	return out
}

// isLive reports whether pk is currently live anywhere in the tablet — the
// MemRowSet or any DiskRowSet — since INSERT/UPSERT resolution must see
// the whole tablet, not just the row set a naive point lookup would check
// first.
func isLive(v *compaction.Version, pk []byte) bool {
	if e := v.MRS.Get(pk); e != nil {
		return e.IsLiveAt(base.MaxTimestamp)
	}
	for _, d := range v.DRSs {
		if _, ok := d.Get(pk, base.MaxTimestamp); ok {
			return true
		}
	}
	return false
}

// valuesFromChanges converts a full value-column changelist (as produced
// by fullValueChanges) into positional column values for MemRowSet.Insert.
func valuesFromChanges(schema *base.Schema, changes []base.ChangeEntry) []base.ColumnValue {
	out := make([]base.ColumnValue, schema.NumValueColumns())
	for _, ch := range changes {
		out[ch.ColumnIndex] = ch.Value
	}
	return out
}

// applyMutation applies one already-resolved, already-timestamped
// mutation against v, routing UPDATE/DELETE to whichever row set
// currently holds the live row. Insert always targets the MemRowSet:
// MemRowSet.Insert already handles the reinsert-after-tombstone case
// transparently for a key still resident there, and a key whose only
// prior generation lived in a since-tombstoned DiskRowSet simply starts a
// fresh generation in the MemRowSet, exactly as a first-ever insert would.
func (t *Tablet) applyMutation(v *compaction.Version, m base.Mutation, batchSeq int) error {
	switch m.Kind {
	case base.MutationInsert:
		return v.MRS.Insert(m.Key, valuesFromChanges(t.schema, m.Changes), m.Ts)

	case base.MutationUpdate, base.MutationDelete:
		if e := v.MRS.Get(m.Key); e != nil && e.IsLiveAt(base.MaxTimestamp) {
			return v.MRS.Mutate(m.Key, m.Kind, m.Changes, m.Ts, batchSeq)
		}
		for _, d := range v.DRSs {
			ordinal, ok := d.Index.Lookup(m.Key)
			if !ok {
				continue
			}
			if _, live := d.Get(m.Key, base.MaxTimestamp); !live {
				continue
			}
			if m.Kind == base.MutationUpdate {
				return d.DMS.ApplyUpdate(ordinal, m.Changes, m.Ts)
			}
			return d.DMS.ApplyDelete(ordinal, m.Ts)
		}
		return base.ErrNotFound

	default:
		return errors.Newf("tablet: unexpected mutation kind %s", m.Kind)
	}
}
