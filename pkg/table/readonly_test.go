package table

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadOnlyViewSeesOnlyPinnedLength(t *testing.T) {
	dir := t.TempDir()
	tb, err := Open(dir, "paths", SingleValue)
	require.NoError(t, err)

	_, err = tb.Append(nil, []byte("a.go"))
	require.NoError(t, err)
	dataLimit, err := tb.LenBytes()
	require.NoError(t, err)
	indexLimit := int64(tb.Count()) * indexEntrySize

	_, err = tb.Append(nil, []byte("b.go"))
	require.NoError(t, err)
	require.NoError(t, tb.Close())

	ro, err := OpenReadOnly(dir, "paths", dataLimit, indexLimit)
	require.NoError(t, err)
	defer ro.Close()

	payload, ok, err := ro.Get(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("a.go"), payload)

	_, ok, err = ro.Get(1)
	require.NoError(t, err)
	require.False(t, ok, "record appended after the savepoint must be invisible")

	it := ro.Iter()
	var count int
	for {
		_, _, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 1, count)
}
