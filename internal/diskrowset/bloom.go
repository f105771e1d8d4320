package diskrowset

import "github.com/cespare/xxhash/v2"

// BloomFilter is a fixed-size existence filter over encoded primary keys
// (spec.md §4.5: "a bloom filter for existence queries"). Grounded on the
// role the teacher's own `bloom` package plays for sstables, but hashed
// with `github.com/cespare/xxhash/v2` — already a pack dependency used
// for exactly this kind of block-content hashing in
// `sstable/block/block.go` — via the standard double-hashing trick
// (Kirsch/Mitzenmacher) instead of the teacher's hand-rolled Murmur-style
// `hash()`.
type BloomFilter struct {
	bits    []byte
	numBits uint32
	numHash uint32
}

// NewBloomFilter sizes a filter for n expected keys at bitsPerKey bits
// per key (10 is a reasonable default, ~1% false positive rate).
func NewBloomFilter(n int, bitsPerKey uint32) *BloomFilter {
	if bitsPerKey == 0 {
		bitsPerKey = 10
	}
	numBits := uint32(n)*bitsPerKey + 7
	if numBits < 64 {
		numBits = 64
	}
	numHash := bitsPerKey * 69 / 100 // ln(2) ~= 0.69
	if numHash < 1 {
		numHash = 1
	}
	if numHash > 30 {
		numHash = 30
	}
	return &BloomFilter{
		bits:    make([]byte, (numBits+7)/8),
		numBits: (numBits + 7) / 8 * 8,
		numHash: numHash,
	}
}

func (f *BloomFilter) hashes(key []byte) (h1, h2 uint32) {
	h := xxhash.Sum64(key)
	return uint32(h), uint32(h >> 32)
}

// Add records key's presence.
func (f *BloomFilter) Add(key []byte) {
	h1, h2 := f.hashes(key)
	for i := uint32(0); i < f.numHash; i++ {
		bit := (h1 + i*h2) % f.numBits
		f.bits[bit/8] |= 1 << (bit % 8)
	}
}

// MayContain reports whether key might be present. False positives are
// possible; false negatives are not.
func (f *BloomFilter) MayContain(key []byte) bool {
	h1, h2 := f.hashes(key)
	for i := uint32(0); i < f.numHash; i++ {
		bit := (h1 + i*h2) % f.numBits
		if f.bits[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}
