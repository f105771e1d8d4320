package record

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	records := []string{"hello", "", strings.Repeat("x", BlockSize*2+123), "tail"}
	for _, s := range records {
		require.NoError(t, w.WriteRecord([]byte(s)))
	}

	r := NewReader(&buf)
	for _, want := range records {
		got, err := r.ReadRecord()
		require.NoError(t, err)
		require.Equal(t, want, string(got))
	}
	_, err := r.ReadRecord()
	require.ErrorIs(t, err, io.EOF)
}

func TestTornTailTreatedAsEOF(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteRecord([]byte("full-record")))
	require.NoError(t, w.WriteRecord([]byte("second-record")))

	// Truncate the tail to simulate a crash mid-write of the second
	// record's chunk.
	truncated := buf.Bytes()[:buf.Len()-4]
	r := NewReader(bytes.NewReader(truncated))

	got, err := r.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "full-record", string(got))

	_, err = r.ReadRecord()
	require.ErrorIs(t, err, io.EOF)
}

func TestCorruptMiddleChunkIsFatal(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteRecord([]byte("one")))
	require.NoError(t, w.WriteRecord([]byte("two")))
	require.NoError(t, w.WriteRecord([]byte("three")))

	corrupted := append([]byte(nil), buf.Bytes()...)
	// Flip a bit inside the payload of the first record's chunk.
	corrupted[headerSize] ^= 0xFF

	r := NewReader(bytes.NewReader(corrupted))
	_, err := r.ReadRecord()
	require.ErrorIs(t, err, ErrCorruptChunk)
}
