// Package rowset implements the MemRowSet (C3, spec.md §4.3): an ordered
// key -> row container supporting concurrent readers and a single writer.
package rowset

import (
	"math/rand"
	"sync"

	"github.com/kudu-go/tablet/internal/base"
)

const maxLevel = 24
const levelProbability = 0.25

type skipNode struct {
	key   []byte
	entry *Entry
	next  []*skipNode
}

// skiplist is the concurrent ordered map described in spec.md §4.3
// ("Internally a concurrent ordered map (e.g. skip list) keyed by encoded
// primary key"). Readers take the shared lock so any number of scans can
// proceed together; the single applier goroutine takes the exclusive lock
// to insert or mutate, matching the "single writer" contract in spec.md §5.
type skiplist struct {
	mu     sync.RWMutex
	rng    *rand.Rand
	head   *skipNode
	height int
}

func newSkiplist() *skiplist {
	return &skiplist{
		rng:    rand.New(rand.NewSource(1)),
		head:   &skipNode{next: make([]*skipNode, maxLevel)},
		height: 1,
	}
}

func (s *skiplist) randomLevel() int {
	level := 1
	for level < maxLevel && s.rng.Float64() < levelProbability {
		level++
	}
	return level
}

// findLocked returns, for each level, the last node whose key is < key
// (the predecessor chain used both by lookups and inserts). Caller holds
// at least the read lock.
func (s *skiplist) findLocked(key []byte) (prev [maxLevel]*skipNode, found *skipNode) {
	x := s.head
	for level := s.height - 1; level >= 0; level-- {
		for x.next[level] != nil && base.Compare(x.next[level].key, key) < 0 {
			x = x.next[level]
		}
		prev[level] = x
	}
	if x.next[0] != nil && base.Compare(x.next[0].key, key) == 0 {
		found = x.next[0]
	}
	return prev, found
}

// get returns the Entry for key, or nil.
func (s *skiplist) get(key []byte) *Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, found := s.findLocked(key)
	if found == nil {
		return nil
	}
	return found.entry
}

// getOrInsert returns the existing Entry for key if present; otherwise it
// inserts newEntry and returns (newEntry, true).
func (s *skiplist) getOrInsert(key []byte, newEntry *Entry) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, found := s.findLocked(key)
	if found != nil {
		return found.entry, false
	}
	level := s.randomLevel()
	if level > s.height {
		for l := s.height; l < level; l++ {
			prev[l] = s.head
		}
		s.height = level
	}
	node := &skipNode{key: key, entry: newEntry, next: make([]*skipNode, level)}
	for l := 0; l < level; l++ {
		node.next[l] = prev[l].next[l]
		prev[l].next[l] = node
	}
	return newEntry, true
}

// forEach calls fn for every entry with key in [start, end) (end == nil
// means unbounded), in ascending key order. fn must not block for long: it
// runs under the shared read lock, alongside the single writer waiting for
// exclusive access.
func (s *skiplist) forEach(start, end []byte, fn func(key []byte, e *Entry) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	x := s.head
	if start != nil {
		for level := s.height - 1; level >= 0; level-- {
			for x.next[level] != nil && base.Compare(x.next[level].key, start) < 0 {
				x = x.next[level]
			}
		}
	}
	x = x.next[0]
	for x != nil {
		if end != nil && base.Compare(x.key, end) >= 0 {
			return
		}
		if !fn(x.key, x.entry) {
			return
		}
		x = x.next[0]
	}
}

func (s *skiplist) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for x := s.head.next[0]; x != nil; x = x.next[0] {
		n++
	}
	return n
}
