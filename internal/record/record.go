// Package record implements the length-prefixed, checksummed chunk framing
// used underneath the write-ahead log (spec.md §4.2: "records are framed
// with a length prefix and CRC"). The wire format is adapted from the
// teacher's own record package (in turn LevelDB's log format): the stream
// is divided into fixed-size blocks, each holding tightly packed chunks
// that cannot cross a block boundary, with any unused tail zero-padded.
//
//	+----------+-----------+-----------+--- ... ---+
//	| CRC (4B) | Size (2B) | Type (1B) | Payload    |
//	+----------+-----------+-----------+--- ... ---+
//
// CRC (CRC-32C, Castagnoli) is computed over the type byte and payload.
// Type is one of full/first/middle/last, so a record spanning more than
// one chunk can be reassembled by the reader. A torn trailing chunk (one
// whose declared length runs past the readable bytes, or whose CRC does
// not match) is detected and, at the tail of the file, treated as an
// incomplete write rather than corruption (spec.md §4.2's "partial tail
// records ... are truncated on open").
package record

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/cockroachdb/errors"
)

const (
	// BlockSize is the size of each physical block in the record stream.
	BlockSize = 32 * 1024

	headerSize = 7 // 4 (crc) + 2 (size) + 1 (type)
)

type chunkType byte

const (
	chunkFull chunkType = 1 + iota
	chunkFirst
	chunkMiddle
	chunkLast
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func checksum(typ chunkType, payload []byte) uint32 {
	crc := crc32.Update(0, castagnoli, []byte{byte(typ)})
	crc = crc32.Update(crc, castagnoli, payload)
	return crc
}

// ErrCorruptChunk means a non-tail chunk failed its checksum. It maps to
// base.ErrCorruption at the walog layer, matching spec.md §4.2's "missing
// intermediate segments are fatal" contract.
var ErrCorruptChunk = errors.New("record: corrupt chunk")

// Writer appends records to an underlying io.Writer, framing each
// WriteRecord call as one logical record possibly spanning several
// physical chunks. Not safe for concurrent use; the WAL serializes writes
// through a single applier goroutine (spec.md §5).
type Writer struct {
	w          io.Writer
	blockUsed  int // bytes used in the current BlockSize block
	pad        [BlockSize]byte
	err        error
}

// NewWriter returns a Writer appending framed records to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteRecord writes data as one logical record, splitting across as many
// physical blocks as required.
func (w *Writer) WriteRecord(data []byte) error {
	if w.err != nil {
		return w.err
	}
	first := true
	for {
		leftover := BlockSize - w.blockUsed
		if leftover < headerSize {
			if err := w.padBlock(leftover); err != nil {
				w.err = err
				return err
			}
			leftover = BlockSize
		}

		space := leftover - headerSize
		n := len(data)
		last := true
		if n > space {
			n = space
			last = false
		}

		var typ chunkType
		switch {
		case first && last:
			typ = chunkFull
		case first && !last:
			typ = chunkFirst
		case !first && last:
			typ = chunkLast
		default:
			typ = chunkMiddle
		}

		if err := w.writeChunk(typ, data[:n]); err != nil {
			w.err = err
			return err
		}
		data = data[n:]
		first = false

		if last {
			return nil
		}
	}
}

func (w *Writer) writeChunk(typ chunkType, payload []byte) error {
	var hdr [headerSize]byte
	crc := checksum(typ, payload)
	binary.LittleEndian.PutUint32(hdr[:], crc)
	binary.LittleEndian.PutUint16(hdr[4:], uint16(len(payload)))
	hdr[6] = byte(typ)
	if _, err := w.w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.w.Write(payload); err != nil {
			return err
		}
	}
	w.blockUsed += headerSize + len(payload)
	if w.blockUsed == BlockSize {
		w.blockUsed = 0
	}
	return nil
}

func (w *Writer) padBlock(n int) error {
	if n > 0 {
		if _, err := w.w.Write(w.pad[:n]); err != nil {
			return err
		}
	}
	w.blockUsed = 0
	return nil
}

// Sync flushes to the underlying writer if it supports it. The caller is
// expected to hold a vfs.File and fsync it directly for the durability
// guarantee in spec.md §4.2 ("Append(batch) ... returns only after
// durable"); Sync here is a convenience for writers that embed their own
// buffering.
func (w *Writer) Sync() error {
	type syncer interface{ Sync() error }
	if s, ok := w.w.(syncer); ok {
		return s.Sync()
	}
	return nil
}
