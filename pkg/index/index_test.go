package index

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/codedj/pkg/table"
)

func pathKeyFunc(payload []byte) (string, bool) {
	return string(payload), true
}

func TestGetOrCreateIsIdempotentPerKey(t *testing.T) {
	dir := t.TempDir()
	tb, err := table.Open(dir, "paths", table.SingleValue)
	require.NoError(t, err)
	defer tb.Close()

	idx, err := Open(dir, "paths", tb, pathKeyFunc)
	require.NoError(t, err)
	defer idx.Close()

	id1, isNew1, err := idx.GetOrCreate("a/b.go", func() []byte { return []byte("a/b.go") })
	require.NoError(t, err)
	require.True(t, isNew1)

	id2, isNew2, err := idx.GetOrCreate("a/b.go", func() []byte { return []byte("a/b.go") })
	require.NoError(t, err)
	require.False(t, isNew2)
	require.Equal(t, id1, id2)

	got, ok := idx.Get("a/b.go")
	require.True(t, ok)
	require.Equal(t, id1, got)
}

func TestReconcileAfterCrashBetweenTableAndIndexAppend(t *testing.T) {
	dir := t.TempDir()
	tb, err := table.Open(dir, "paths", table.SingleValue)
	require.NoError(t, err)

	// Simulate a crash: the table append landed but the indexer log
	// append never happened.
	_, err = tb.Append(nil, []byte("orphaned/path.go"))
	require.NoError(t, err)

	idx, err := Open(dir, "paths", tb, pathKeyFunc)
	require.NoError(t, err)
	defer idx.Close()

	id, ok := idx.Get("orphaned/path.go")
	require.True(t, ok)
	require.Equal(t, uint64(0), id)
}

func TestRebuildReproducesSameMap(t *testing.T) {
	dir := t.TempDir()
	tb, err := table.Open(dir, "paths", table.SingleValue)
	require.NoError(t, err)
	defer tb.Close()

	idx, err := Open(dir, "paths", tb, pathKeyFunc)
	require.NoError(t, err)
	defer idx.Close()

	for _, p := range []string{"a.go", "b.go", "c.go"} {
		_, _, err := idx.GetOrCreate(p, func() []byte { return []byte(p) })
		require.NoError(t, err)
	}

	require.NoError(t, idx.Rebuild(pathKeyFunc))

	for _, p := range []string{"a.go", "b.go", "c.go"} {
		_, ok := idx.Get(p)
		require.True(t, ok)
	}
}
