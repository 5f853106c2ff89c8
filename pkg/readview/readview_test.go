package readview

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/codedj/pkg/codec"
	"github.com/cuemby/codedj/pkg/substore"
)

func seedCommit(t *testing.T, s *substore.Substore, message string) uint64 {
	t.Helper()
	authorID, err := s.GetOrCreateUser("Alice <alice@example.com>")
	require.NoError(t, err)

	h := codec.SumHash([]byte(message))
	id, isNew, err := s.GetOrCreateCommit(substore.CommitRecord{
		Hash: h, AuthorID: authorID, CommitterID: authorID,
		AuthorTime: time.Now(), CommitterTime: time.Now(),
	})
	require.NoError(t, err)
	require.True(t, isNew)
	require.NoError(t, s.AppendCommitMessage(id, []byte(message)))
	return id
}

func TestLatestViewSeesAllCommits(t *testing.T) {
	storesRoot := t.TempDir()
	s, err := substore.Open(storesRoot, "go")
	require.NoError(t, err)
	require.NoError(t, s.LoadAll())

	seedCommit(t, s, "first")
	seedCommit(t, s, "second")
	require.NoError(t, s.Close())

	view, err := Open(storesRoot, "go", Latest)
	require.NoError(t, err)
	defer view.Close()

	var messages []string
	view.Commits()(func(row CommitRow, err error) bool {
		require.NoError(t, err)
		msg, ok, err := view.CommitMessage(row.ID)
		require.NoError(t, err)
		require.True(t, ok)
		messages = append(messages, string(msg))
		return true
	})
	require.ElementsMatch(t, []string{"first", "second"}, messages)
}

func TestSavepointPinnedViewExcludesLaterWrites(t *testing.T) {
	storesRoot := t.TempDir()
	s, err := substore.Open(storesRoot, "go")
	require.NoError(t, err)
	require.NoError(t, s.LoadAll())

	seedCommit(t, s, "before")
	_, err = s.CreateSavepoint("checkpoint")
	require.NoError(t, err)
	seedCommit(t, s, "after")
	require.NoError(t, s.Close())

	pinned, err := Open(storesRoot, "go", "checkpoint")
	require.NoError(t, err)
	defer pinned.Close()

	var pinnedMessages []string
	pinned.Commits()(func(row CommitRow, err error) bool {
		require.NoError(t, err)
		msg, _, err := pinned.CommitMessage(row.ID)
		require.NoError(t, err)
		pinnedMessages = append(pinnedMessages, string(msg))
		return true
	})
	require.Equal(t, []string{"before"}, pinnedMessages)

	latest, err := Open(storesRoot, "go", Latest)
	require.NoError(t, err)
	defer latest.Close()

	var latestMessages []string
	latest.Commits()(func(row CommitRow, err error) bool {
		require.NoError(t, err)
		msg, _, err := latest.CommitMessage(row.ID)
		require.NoError(t, err)
		latestMessages = append(latestMessages, string(msg))
		return true
	})
	require.ElementsMatch(t, []string{"before", "after"}, latestMessages)
}

func TestListSavepoints(t *testing.T) {
	storesRoot := t.TempDir()
	s, err := substore.Open(storesRoot, "go")
	require.NoError(t, err)
	require.NoError(t, s.LoadAll())
	seedCommit(t, s, "one")
	_, err = s.CreateSavepoint("sp1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	view, err := Open(storesRoot, "go", Latest)
	require.NoError(t, err)
	defer view.Close()

	sps, err := view.ListSavepoints()
	require.NoError(t, err)
	require.Len(t, sps, 1)
	require.Equal(t, "sp1", sps[0].Name)
}
