package diskrowset

import (
	"bytes"

	"github.com/google/btree"
)

// pkItem is one PK index entry: encoded primary key -> row ordinal
// (spec.md §4.5: "a primary-key index (typically a B-tree) mapping
// encoded PK -> row ordinal"). Grounded on `google/btree`'s classic
// `btree.Item`/`BTree` API, the version this module's go.mod pins
// (v1.0.0, predating the generic `BTreeG` API) — the same B-tree the
// `leftmike-maho.v1` example repo uses for its own row storage index.
type pkItem struct {
	key     []byte
	ordinal uint32
}

func (a pkItem) Less(than btree.Item) bool {
	return bytes.Compare(a.key, than.(pkItem).key) < 0
}

// PKIndex maps encoded primary keys to row ordinals within one
// DiskRowSet's base block.
type PKIndex struct {
	tree *btree.BTree
}

// NewPKIndex returns an empty index with the given B-tree degree.
func NewPKIndex(degree int) *PKIndex {
	return &PKIndex{tree: btree.New(degree)}
}

// Insert adds or replaces the ordinal mapped to key.
func (idx *PKIndex) Insert(key []byte, ordinal uint32) {
	idx.tree.ReplaceOrInsert(pkItem{key: key, ordinal: ordinal})
}

// Lookup returns the ordinal for key, or (0, false) if absent.
func (idx *PKIndex) Lookup(key []byte) (uint32, bool) {
	item := idx.tree.Get(pkItem{key: key})
	if item == nil {
		return 0, false
	}
	return item.(pkItem).ordinal, true
}

// Len returns the number of indexed keys.
func (idx *PKIndex) Len() int { return idx.tree.Len() }
