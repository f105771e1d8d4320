package base

import "encoding/binary"

// EncodeInt64 big-endian encodes v for storage as a ColumnValue's Data. All
// fixed-width integer columns encode big-endian so that, combined with the
// sign-bit flip in appendKeyColumn, PK byte order matches numeric order.
func EncodeInt64(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

// DecodeInt64 reverses EncodeInt64.
func DecodeInt64(data []byte) int64 {
	return int64(binary.BigEndian.Uint64(data))
}

// EncodeInt32 big-endian encodes v.
func EncodeInt32(v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

// DecodeInt32 reverses EncodeInt32.
func DecodeInt32(data []byte) int32 {
	return int32(binary.BigEndian.Uint32(data))
}
