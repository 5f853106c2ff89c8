package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoundTripPrimitives(t *testing.T) {
	w := NewWriter()
	w.WriteUint32(42)
	w.WriteUint64(1 << 40)
	w.WriteBool(true)
	w.WriteBool(false)
	w.WriteBytes([]byte("hello world"))
	w.WriteString("codedj")
	h := SumHash([]byte("blob contents"))
	w.WriteHash(h)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	w.WriteTime(now)
	w.WriteUint64Slice([]uint64{1, 2, 3, 4})

	r := NewReader(w.Bytes())
	require.Equal(t, uint32(42), r.ReadUint32())
	require.Equal(t, uint64(1<<40), r.ReadUint64())
	require.True(t, r.ReadBool())
	require.False(t, r.ReadBool())
	require.Equal(t, []byte("hello world"), r.ReadBytes())
	require.Equal(t, "codedj", r.ReadString())
	require.Equal(t, h, r.ReadHash())
	require.True(t, now.Equal(r.ReadTime()))
	require.Equal(t, []uint64{1, 2, 3, 4}, r.ReadUint64Slice())
	require.NoError(t, r.Err())
}

func TestReadTruncatedRecordSetsErr(t *testing.T) {
	w := NewWriter()
	w.WriteUint64(7)
	w.WriteString("truncated")
	full := w.Bytes()

	r := NewReader(full[:len(full)-3])
	r.ReadUint64()
	_ = r.ReadString()
	require.Error(t, r.Err())
}

func TestHashStringIsLowercaseHex(t *testing.T) {
	h := SumHash([]byte("x"))
	require.Len(t, h.String(), 40)
}

func TestZeroHash(t *testing.T) {
	var h Hash
	require.True(t, h.IsZero())
	h = SumHash([]byte("non-empty"))
	require.False(t, h.IsZero())
}
