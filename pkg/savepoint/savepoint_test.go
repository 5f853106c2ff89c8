package savepoint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateThenGet(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	rec, err := s.Create("before", map[string]int64{"commits": 128, "paths": 64})
	require.NoError(t, err)
	require.Equal(t, "before", rec.Name)

	got, err := s.Get("before")
	require.NoError(t, err)
	require.Equal(t, rec.Lengths, got.Lengths)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.Create("before", map[string]int64{"commits": 0})
	require.NoError(t, err)

	_, err = s.Create("before", map[string]int64{"commits": 10})
	require.Error(t, err)
}

func TestListReturnsNewestFirst(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	_, err = s.Create("first", map[string]int64{"commits": 1})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = s.Create("second", map[string]int64{"commits": 2})
	require.NoError(t, err)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "second", list[0].Name)
	require.Equal(t, "first", list[1].Name)
}
