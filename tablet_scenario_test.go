package tablet

import (
	"context"
	"testing"

	"github.com/kudu-go/tablet/internal/base"
	"github.com/kudu-go/tablet/internal/blockcache"
	"github.com/kudu-go/tablet/internal/compaction"
	"github.com/kudu-go/tablet/vfs"
	"github.com/stretchr/testify/require"
)

// testValueSchema is the two-column {key int32, value int32 nullable}
// schema every spec.md §8 scenario and round-trip law is phrased against.
func testValueSchema(t *testing.T) *base.Schema {
	s, err := base.NewSchema([]base.ColumnDef{
		{Name: "key", Type: base.ColumnTypeInt32},
		{Name: "value", Type: base.ColumnTypeInt32, Nullable: true},
	}, 1)
	require.NoError(t, err)
	return s
}

// keyOf encodes k as the int32 primary key. valueOf applies the fuzz
// scenario table's encoding convention (SPEC_FULL.md "supplemented
// features" #1, base.EncodeTestValue): an odd value encodes to NULL, an
// even value encodes to itself.
func keyOf(schema *base.Schema, k int32) []byte {
	return base.EncodeKey(schema, []base.ColumnValue{{Data: base.EncodeInt32(k)}})
}

// decodeTestKey reverses keyOf's sign-bit flip (base.EncodeKey's
// appendKeyColumn) so a scanned row's encoded key can be compared against
// the original int32 the test inserted.
func decodeTestKey(encoded []byte) int32 {
	kb := append([]byte(nil), encoded...)
	kb[0] ^= 0x80
	return base.DecodeInt32(kb)
}

func valueOf(v int32) base.ColumnValue {
	encoded, isNull := base.EncodeTestValue(v)
	if isNull {
		return base.ColumnValue{Null: true}
	}
	return base.ColumnValue{Data: base.EncodeInt32(encoded)}
}

func openTestTablet(t *testing.T, fs vfs.FS, schema *base.Schema) *Tablet {
	tab, err := Open("/tablet", schema, Options{FS: fs})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tab.Close() })
	return tab
}

// latestRows scans the tablet at ReadLatest, ordered by key, and returns
// each live row's key and decoded value (nil for a null value column).
func latestRows(t *testing.T, tab *Tablet, schema *base.Schema) map[int32]*int32 {
	return snapshotRows(t, tab, schema, ReadLatest, 0)
}

func snapshotRows(t *testing.T, tab *Tablet, schema *base.Schema, mode ReadMode, ts base.Timestamp) map[int32]*int32 {
	sc, err := tab.NewScanner(ScanOptions{Mode: mode, SnapshotTs: ts, Order: OrderedByKey})
	require.NoError(t, err)
	require.NoError(t, sc.Open(context.Background()))
	out := make(map[int32]*int32)
	for {
		batch, more := sc.NextBatch(16)
		for _, r := range batch {
			k := decodeTestKey(r.Key)
			if r.Values[0].Null {
				out[k] = nil
			} else {
				v := base.DecodeInt32(r.Values[0].Data)
				out[k] = &v
			}
		}
		if !more {
			break
		}
	}
	return out
}

func requireLiveValue(t *testing.T, got map[int32]*int32, key, want int32) {
	v, ok := got[key]
	require.Truef(t, ok, "key %d missing from live scan: %v", key, got)
	wantEnc, wantNull := base.EncodeTestValue(want)
	if wantNull {
		require.Nilf(t, v, "key %d expected null, got %v", key, v)
		return
	}
	require.NotNilf(t, v, "key %d expected %d, got null", key, wantEnc)
	require.Equal(t, wantEnc, *v)
}

func requireAbsent(t *testing.T, got map[int32]*int32, key int32) {
	_, ok := got[key]
	require.Falsef(t, ok, "key %d unexpectedly live: %v", key, got)
}

// --- Round-trip laws (spec.md §8) ---

func TestRoundTripInsertThenScan(t *testing.T) {
	schema := testValueSchema(t)
	tab := openTestTablet(t, vfs.NewMem(), schema)
	ws := tab.NewWriteSession()
	ws.Insert(keyOf(schema, 1), []base.ColumnValue{valueOf(2)})
	_, _, err := ws.Flush()
	require.NoError(t, err)
	requireLiveValue(t, latestRows(t, tab, schema), 1, 2)
}

func TestRoundTripInsertThenDelete(t *testing.T) {
	schema := testValueSchema(t)
	tab := openTestTablet(t, vfs.NewMem(), schema)
	ws := tab.NewWriteSession()
	ws.Insert(keyOf(schema, 1), []base.ColumnValue{valueOf(2)})
	_, _, err := ws.Flush()
	require.NoError(t, err)
	ws.Delete(keyOf(schema, 1))
	_, _, err = ws.Flush()
	require.NoError(t, err)
	requireAbsent(t, latestRows(t, tab, schema), 1)
}

func TestRoundTripInsertThenUpdate(t *testing.T) {
	schema := testValueSchema(t)
	tab := openTestTablet(t, vfs.NewMem(), schema)
	ws := tab.NewWriteSession()
	ws.Insert(keyOf(schema, 1), []base.ColumnValue{valueOf(0)})
	_, _, err := ws.Flush()
	require.NoError(t, err)
	ws.Update(keyOf(schema, 1), []base.ChangeEntry{{ColumnIndex: 0, Value: valueOf(2)}})
	_, _, err = ws.Flush()
	require.NoError(t, err)
	requireLiveValue(t, latestRows(t, tab, schema), 1, 2)
}

func TestRoundTripUpsertOnExistingEquivalentToUpdate(t *testing.T) {
	schema := testValueSchema(t)
	tab := openTestTablet(t, vfs.NewMem(), schema)
	ws := tab.NewWriteSession()
	ws.Insert(keyOf(schema, 1), []base.ColumnValue{valueOf(0)})
	_, _, err := ws.Flush()
	require.NoError(t, err)
	ws.Upsert(keyOf(schema, 1), []base.ColumnValue{valueOf(2)})
	_, _, err = ws.Flush()
	require.NoError(t, err)
	requireLiveValue(t, latestRows(t, tab, schema), 1, 2)
}

func TestRoundTripUpsertPkOnlyOnExistingPreservesValue(t *testing.T) {
	schema := testValueSchema(t)
	tab := openTestTablet(t, vfs.NewMem(), schema)
	ws := tab.NewWriteSession()
	ws.Insert(keyOf(schema, 1), []base.ColumnValue{valueOf(0)})
	_, _, err := ws.Flush()
	require.NoError(t, err)
	ws.UpsertPkOnly(keyOf(schema, 1))
	_, _, err = ws.Flush()
	require.NoError(t, err)
	requireLiveValue(t, latestRows(t, tab, schema), 1, 0)
}

func TestRoundTripUpsertPkOnlyOnAbsentInsertsNulls(t *testing.T) {
	schema := testValueSchema(t)
	tab := openTestTablet(t, vfs.NewMem(), schema)
	ws := tab.NewWriteSession()
	ws.UpsertPkOnly(keyOf(schema, 1))
	_, _, err := ws.Flush()
	require.NoError(t, err)
	got := latestRows(t, tab, schema)
	v, ok := got[1]
	require.True(t, ok)
	require.Nil(t, v)
}

func TestRoundTripDeleteThenReinsert(t *testing.T) {
	schema := testValueSchema(t)
	tab := openTestTablet(t, vfs.NewMem(), schema)
	ws := tab.NewWriteSession()
	ws.Insert(keyOf(schema, 1), []base.ColumnValue{valueOf(0)})
	_, _, err := ws.Flush()
	require.NoError(t, err)
	ws.Delete(keyOf(schema, 1))
	_, _, err = ws.Flush()
	require.NoError(t, err)
	ws.Insert(keyOf(schema, 1), []base.ColumnValue{valueOf(2)})
	_, _, err = ws.Flush()
	require.NoError(t, err)
	requireLiveValue(t, latestRows(t, tab, schema), 1, 2)
}

// --- End-to-end scenarios (spec.md §8) ---

// Scenario 1: delete-reinsert across flushes.
func TestScenarioDeleteReinsertAcrossFlushes(t *testing.T) {
	schema := testValueSchema(t)
	tab := openTestTablet(t, vfs.NewMem(), schema)
	ws := tab.NewWriteSession()

	ws.Insert(keyOf(schema, 0), []base.ColumnValue{valueOf(0)})
	_, _, err := ws.Flush()
	require.NoError(t, err)
	require.NoError(t, tab.FlushMRS())

	ws.Delete(keyOf(schema, 0))
	ws.Insert(keyOf(schema, 0), []base.ColumnValue{valueOf(2)})
	_, _, err = ws.Flush()
	require.NoError(t, err)

	require.NoError(t, tab.FlushMRS())
	require.NoError(t, tab.Compact(true))

	requireLiveValue(t, latestRows(t, tab, schema), 0, 2)
}

// Scenario 2: upsert-PK-only preserves value across a restart.
func TestScenarioUpsertPkOnlyPreservesValueAcrossRestart(t *testing.T) {
	schema := testValueSchema(t)
	fs := vfs.NewMem()
	tab := openTestTablet(t, fs, schema)

	ws := tab.NewWriteSession()
	ws.Insert(keyOf(schema, 1), []base.ColumnValue{valueOf(0)})
	preTs, _, err := ws.Flush()
	require.NoError(t, err)

	ws.UpsertPkOnly(keyOf(schema, 1))
	_, _, err = ws.Flush()
	require.NoError(t, err)

	require.NoError(t, tab.Restart())

	requireLiveValue(t, latestRows(t, tab, schema), 1, 0)
	requireLiveValue(t, snapshotRows(t, tab, schema, ReadAtSnapshot, preTs), 1, 0)
}

// Scenario 3: PK-only schema, empty changelist never crashes.
func TestScenarioPkOnlySchemaEmptyChangelist(t *testing.T) {
	s, err := base.NewSchema([]base.ColumnDef{{Name: "key", Type: base.ColumnTypeInt32}}, 1)
	require.NoError(t, err)
	tab := openTestTablet(t, vfs.NewMem(), s)

	// All four ops share one batch (one FlushOps terminator), so the
	// in-batch overlay exercised by resolveOp must see each op's own
	// effect on the same key before resolving the next.
	ws := tab.NewWriteSession()
	ws.UpsertPkOnly(keyOf(s, 1))
	ws.Delete(keyOf(s, 1))
	ws.UpsertPkOnly(keyOf(s, 1))
	ws.UpsertPkOnly(keyOf(s, 1))
	_, _, err = ws.Flush()
	require.NoError(t, err)

	sc, err := tab.NewScanner(ScanOptions{Mode: ReadLatest})
	require.NoError(t, err)
	require.NoError(t, sc.Open(context.Background()))
	batch, more := sc.NextBatch(16)
	require.Len(t, batch, 1)
	require.False(t, more)
}

// Scenario 4: reinsert survives minor delta compaction and a restart.
func TestScenarioReinsertSurvivesMinorCompactionAndRestart(t *testing.T) {
	schema := testValueSchema(t)
	fs := vfs.NewMem()
	tab := openTestTablet(t, fs, schema)

	ws := tab.NewWriteSession()
	ws.Insert(keyOf(schema, 1), []base.ColumnValue{valueOf(0)})
	_, _, err := ws.Flush()
	require.NoError(t, err)
	require.NoError(t, tab.FlushMRS())

	// The Update is only buffered client-side; Restart tears down and
	// reopens the Tablet underneath the still-live WriteSession, and the
	// buffered op commits against the post-restart state on the next
	// Flush — exercising restart-while-a-batch-is-pending.
	ws.Update(keyOf(schema, 1), []base.ChangeEntry{{ColumnIndex: 0, Value: valueOf(2)}})
	require.NoError(t, tab.Restart())
	_, _, err = ws.Flush()
	require.NoError(t, err)
	require.NoError(t, tab.FlushBiggestDMS())

	ws.Insert(keyOf(schema, 0), []base.ColumnValue{valueOf(4)})
	ws.Delete(keyOf(schema, 1))
	ws.Insert(keyOf(schema, 1), []base.ColumnValue{valueOf(6)})
	_, _, err = ws.Flush()
	require.NoError(t, err)

	require.NoError(t, tab.FlushMRS())
	require.NoError(t, tab.Restart())

	v := tab.registry.Load()
	for _, d := range v.DRSs {
		if err := tab.CompactDeltas(compaction.MinorDeltaCompaction, d.ID); err != nil && err != compaction.ErrNothingToDo {
			require.NoError(t, err)
		}
	}
	require.NoError(t, tab.Compact(true))

	ws.Update(keyOf(schema, 1), []base.ChangeEntry{{ColumnIndex: 0, Value: valueOf(8)}})
	_, _, err = ws.Flush()
	require.NoError(t, err)

	got := latestRows(t, tab, schema)
	requireLiveValue(t, got, 0, 4)
	requireLiveValue(t, got, 1, 8)
}

// Scenario 5: undo order under repeated delete-insert is preserved across
// compaction, and any recorded snapshot timestamp still matches what was
// live at that point in the sequence.
func TestScenarioUndoOrderUnderRepeatedDeleteInsert(t *testing.T) {
	schema := testValueSchema(t)
	tab := openTestTablet(t, vfs.NewMem(), schema)

	flush := func(ws *WriteSession) base.Timestamp {
		ts, _, err := ws.Flush()
		require.NoError(t, err)
		return ts
	}

	// Batch 1: Insert(0,0), Delete(0) share one FlushOps — key 0 is dead
	// again by the time this batch is visible.
	ws := tab.NewWriteSession()
	ws.Insert(keyOf(schema, 0), []base.ColumnValue{valueOf(0)})
	ws.Delete(keyOf(schema, 0))
	ts1 := flush(ws)
	require.NoError(t, tab.FlushMRS())

	// Batch 2: Insert(0,1), Delete(0), Insert(0,2) share one FlushOps —
	// key 0 ends this batch live with value 2.
	ws.Insert(keyOf(schema, 0), []base.ColumnValue{valueOf(1)})
	ws.Delete(keyOf(schema, 0))
	ws.Insert(keyOf(schema, 0), []base.ColumnValue{valueOf(2)})
	ts2 := flush(ws)
	require.NoError(t, tab.FlushMRS())
	require.NoError(t, tab.Compact(true))

	// Batch 3: Delete(0) alone — key 0 is dead again.
	ws.Delete(keyOf(schema, 0))
	ts3 := flush(ws)
	require.NoError(t, tab.Compact(true))

	requireAbsent(t, latestRows(t, tab, schema), 0)

	requireAbsent(t, snapshotRows(t, tab, schema, ReadAtSnapshot, ts1), 0)
	requireLiveValue(t, snapshotRows(t, tab, schema, ReadAtSnapshot, ts2), 0, 2)
	requireAbsent(t, snapshotRows(t, tab, schema, ReadAtSnapshot, ts3), 0)
}

// Scenario 6: a snapshot far in the past survives arbitrary later
// compactions.
func TestScenarioSnapshotFarInThePast(t *testing.T) {
	schema := testValueSchema(t)
	tab := openTestTablet(t, vfs.NewMem(), schema)

	ws := tab.NewWriteSession()
	ws.Insert(keyOf(schema, 1), []base.ColumnValue{valueOf(0)})
	t1, _, err := ws.Flush()
	require.NoError(t, err)

	ws.Update(keyOf(schema, 1), []base.ChangeEntry{{ColumnIndex: 0, Value: valueOf(2)}})
	t2, _, err := ws.Flush()
	require.NoError(t, err)

	ws.Insert(keyOf(schema, 2), []base.ColumnValue{valueOf(4)})
	t3, _, err := ws.Flush()
	require.NoError(t, err)

	require.NoError(t, tab.FlushMRS())
	require.NoError(t, tab.FlushBiggestDMS())
	require.NoError(t, tab.Compact(true))

	requireLiveValue(t, snapshotRows(t, tab, schema, ReadAtSnapshot, t1), 1, 0)
	got2 := snapshotRows(t, tab, schema, ReadAtSnapshot, t2)
	requireLiveValue(t, got2, 1, 2)
	requireAbsent(t, got2, 2)
	got3 := snapshotRows(t, tab, schema, ReadAtSnapshot, t3)
	requireLiveValue(t, got3, 1, 2)
	requireLiveValue(t, got3, 2, 4)
}

// Compaction neutrality (spec.md §8): a scan at a recorded snapshot is
// byte-equal before and after a combination of flushes and compactions.
func TestCompactionNeutrality(t *testing.T) {
	schema := testValueSchema(t)
	tab := openTestTablet(t, vfs.NewMem(), schema)

	ws := tab.NewWriteSession()
	for i := int32(0); i < 10; i++ {
		ws.Insert(keyOf(schema, i), []base.ColumnValue{valueOf(i)})
	}
	ts, _, err := ws.Flush()
	require.NoError(t, err)

	before := snapshotRows(t, tab, schema, ReadAtSnapshot, ts)

	require.NoError(t, tab.FlushMRS())
	require.NoError(t, tab.Compact(true))

	after := snapshotRows(t, tab, schema, ReadAtSnapshot, ts)
	require.Equal(t, before, after)
}

// Restart neutrality (spec.md §8): a scan at a recorded snapshot is
// byte-equal before and after a restart-plus-replay cycle.
func TestRestartNeutrality(t *testing.T) {
	schema := testValueSchema(t)
	fs := vfs.NewMem()
	tab := openTestTablet(t, fs, schema)

	ws := tab.NewWriteSession()
	for i := int32(0); i < 5; i++ {
		ws.Insert(keyOf(schema, i), []base.ColumnValue{valueOf(i)})
	}
	ts, _, err := ws.Flush()
	require.NoError(t, err)

	before := snapshotRows(t, tab, schema, ReadAtSnapshot, ts)
	require.NoError(t, tab.Restart())
	after := snapshotRows(t, tab, schema, ReadAtSnapshot, ts)
	require.Equal(t, before, after)
}

// The block cache is genuinely consulted on reload, not merely constructed:
// after a restart loads a DiskRowSet's base block once, the cached bytes
// must be enough to reload it again even if the on-disk file is gone.
func TestRestartServesBaseBlockFromCacheWithoutRereadingDisk(t *testing.T) {
	schema := testValueSchema(t)
	fs := vfs.NewMem()
	tab := openTestTablet(t, fs, schema)

	ws := tab.NewWriteSession()
	ws.Insert(keyOf(schema, 1), []base.ColumnValue{valueOf(1)})
	_, _, err := ws.Flush()
	require.NoError(t, err)
	require.NoError(t, tab.FlushMRS())

	ids := tab.DiskRowSetIDs()
	require.Len(t, ids, 1)
	drsID := ids[0]

	// First restart loads the DiskRowSet from disk and caches its base
	// block bytes.
	require.NoError(t, tab.Restart())
	cached := tab.cache.Get(blockcache.Key{DRSID: drsID, Offset: 0})
	require.NotNil(t, cached)

	// Removing the on-disk base file and restarting again must still
	// succeed: loadDRS finds the bytes in the cache and never touches the
	// now-missing file.
	require.NoError(t, fs.Remove(drsBasePath(fs, tab.dir, drsID)))
	require.NoError(t, tab.Restart())

	got := latestRows(t, tab, schema)
	requireLiveValue(t, got, 1, 1)
}

// A maintenance operation that never touches the MemRowSet (here,
// FlushBiggestDMS on an unrelated DiskRowSet) must not advance durable
// metadata's recovery watermark past a row still resident only in the
// MemRowSet: doing so would make replay skip the WAL batch that inserted
// it, losing the row on restart.
func TestFlushBiggestDMSDoesNotLoseConcurrentMemRowSetInsert(t *testing.T) {
	schema := testValueSchema(t)
	fs := vfs.NewMem()
	tab := openTestTablet(t, fs, schema)

	ws := tab.NewWriteSession()
	ws.Insert(keyOf(schema, 1), []base.ColumnValue{valueOf(1)})
	_, _, err := ws.Flush()
	require.NoError(t, err)
	require.NoError(t, tab.FlushMRS())

	ws = tab.NewWriteSession()
	ws.Update(keyOf(schema, 1), []base.ChangeEntry{{ColumnIndex: 0, Value: valueOf(2)}})
	_, _, err = ws.Flush()
	require.NoError(t, err)

	// k2 is a new key, so it goes into the fresh MemRowSet rather than any
	// DiskRowSet's DMS, and is never reached by the FlushBiggestDMS below.
	ws = tab.NewWriteSession()
	ws.Insert(keyOf(schema, 2), []base.ColumnValue{valueOf(20)})
	_, _, err = ws.Flush()
	require.NoError(t, err)

	require.NoError(t, tab.FlushBiggestDMS())

	require.NoError(t, tab.Restart())

	got := latestRows(t, tab, schema)
	requireLiveValue(t, got, 1, 2)
	requireLiveValue(t, got, 2, 20)
}

// Unique live key and order (spec.md §8): a latest scan never returns two
// rows for the same key, and an ordered scan is strictly ascending.
func TestLatestScanIsUniqueAndOrdered(t *testing.T) {
	schema := testValueSchema(t)
	tab := openTestTablet(t, vfs.NewMem(), schema)

	ws := tab.NewWriteSession()
	for _, k := range []int32{5, 1, 3, 4, 2} {
		ws.Insert(keyOf(schema, k), []base.ColumnValue{valueOf(k)})
	}
	_, _, err := ws.Flush()
	require.NoError(t, err)
	require.NoError(t, tab.FlushMRS())

	ws.Delete(keyOf(schema, 3))
	ws.Insert(keyOf(schema, 6), []base.ColumnValue{valueOf(6)})
	_, _, err = ws.Flush()
	require.NoError(t, err)

	sc, err := tab.NewScanner(ScanOptions{Mode: ReadLatest, Order: OrderedByKey})
	require.NoError(t, err)
	require.NoError(t, sc.Open(context.Background()))
	var keys []int32
	for {
		batch, more := sc.NextBatch(2)
		for _, r := range batch {
			keys = append(keys, decodeTestKey(r.Key))
		}
		if !more {
			break
		}
	}
	require.Equal(t, []int32{1, 2, 4, 5, 6}, keys)
}
