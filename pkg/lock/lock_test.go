package lock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireThenReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir, false)
	require.NoError(t, err)
	require.True(t, l1.Held())

	require.NoError(t, l1.Release())

	l2, err := Acquire(dir, false)
	require.NoError(t, err)
	require.True(t, l2.Held())
}

func TestAcquireFailsWhenAlreadyLocked(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir, false)
	require.NoError(t, err)
	defer l1.Release()

	_, err = Acquire(dir, false)
	require.Error(t, err)
}

func TestForceOverridesStaleLock(t *testing.T) {
	dir := t.TempDir()

	l1, err := Acquire(dir, false)
	require.NoError(t, err)
	_ = l1 // simulate the holder process dying without releasing

	l2, err := Acquire(dir, true)
	require.NoError(t, err)
	require.True(t, l2.Held())
}
