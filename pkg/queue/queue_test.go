package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPushPopFIFO(t *testing.T) {
	q := New(4)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, Task{ProjectID: 1}))
	require.NoError(t, q.Push(ctx, Task{ProjectID: 2}))
	require.Equal(t, 2, q.Size())

	first, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), first.ProjectID)

	second, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), second.ProjectID)
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New(4)
	ctx := context.Background()
	done := make(chan Task, 1)

	go func() {
		tk, ok, err := q.Pop(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		done <- tk
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Push(ctx, Task{ProjectID: 42}))

	select {
	case tk := <-done:
		require.Equal(t, uint64(42), tk.ProjectID)
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after Push")
	}
}

func TestCancelUnblocksPop(t *testing.T) {
	q := New(4)
	ctx := context.Background()
	errCh := make(chan error, 1)

	go func() {
		_, ok, err := q.Pop(ctx)
		require.False(t, ok)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Cancel")
	}
}

func TestDrainRemovesOnlyPending(t *testing.T) {
	q := New(4)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, Task{ProjectID: 1}))
	require.NoError(t, q.Push(ctx, Task{ProjectID: 2}))

	drained := q.Drain()
	require.Len(t, drained, 2)
	require.Equal(t, 0, q.Size())
}

func TestPopContextCancellation(t *testing.T) {
	q := New(4)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() {
		_, ok, err := q.Pop(ctx)
		require.False(t, ok)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after ctx cancel")
	}
}
