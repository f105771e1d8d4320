package diskrowset

import (
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/kudu-go/tablet/internal/base"
)

// compressionKind tags a compressed payload the same way the teacher's own
// table writer/reader tags a block (table/writer.go's noCompressionBlockType
// / snappyCompressionBlockType), so a reader never has to guess.
type compressionKind byte

const (
	compressionNone compressionKind = iota
	compressionSnappy
)

// compressPayload snappy-compresses b, prefixed with the one-byte
// compression tag every decompressPayload call expects. Used for both the
// base column block (persist.go's WriteTo) and each delta entry (this
// package's WriteDeltaFile), per spec.md §4.5's base/delta on-disk formats.
func compressPayload(b []byte) []byte {
	compressed := snappy.Encode(nil, b)
	out := make([]byte, 0, len(compressed)+1)
	out = append(out, byte(compressionSnappy))
	return append(out, compressed...)
}

// decompressPayload reverses compressPayload.
func decompressPayload(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return b, nil
	}
	kind := compressionKind(b[0])
	payload := b[1:]
	switch kind {
	case compressionNone:
		return payload, nil
	case compressionSnappy:
		out, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, errors.Wrap(base.ErrCorruption, "diskrowset: corrupt snappy block: "+err.Error())
		}
		return out, nil
	default:
		return nil, errors.Wrap(base.ErrCorruption, "diskrowset: unknown compression kind")
	}
}
