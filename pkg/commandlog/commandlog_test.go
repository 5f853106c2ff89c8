package commandlog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBeginCompletePairsByCorrelationID(t *testing.T) {
	l, err := Open(t.TempDir())
	require.NoError(t, err)
	defer l.Close()

	id, err := l.Begin("add", "https://github.com/a/b")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, l.Complete(id, "add", "ok", "added=1"))

	entries, err := l.All()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	require.Equal(t, Begin, entries[0].Phase)
	require.Equal(t, "add", entries[0].Op)
	require.Equal(t, "https://github.com/a/b", entries[0].Args)

	require.Equal(t, Complete, entries[1].Phase)
	require.Equal(t, id, entries[1].CorrelationID)
	require.Equal(t, "ok", entries[1].Outcome)
	require.Equal(t, "added=1", entries[1].Detail)
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir)
	require.NoError(t, err)
	_, err = l.Begin("update-all", "")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.All()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "update-all", entries[0].Op)
}
