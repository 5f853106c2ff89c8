package substore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/codedj/pkg/codec"
)

func openLoaded(t *testing.T) *Substore {
	t.Helper()
	s, err := Open(t.TempDir(), "go")
	require.NoError(t, err)
	require.NoError(t, s.LoadAll())
	return s
}

func TestGetOrCreateUserDedups(t *testing.T) {
	s := openLoaded(t)
	defer s.Close()

	id1, err := s.GetOrCreateUser("Alice <alice@example.com>")
	require.NoError(t, err)
	id2, err := s.GetOrCreateUser("Alice <alice@example.com>")
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	id3, err := s.GetOrCreateUser("Bob <bob@example.com>")
	require.NoError(t, err)
	require.NotEqual(t, id1, id3)
}

func TestGetOrCreateCommitDedupsByHash(t *testing.T) {
	s := openLoaded(t)
	defer s.Close()

	authorID, err := s.GetOrCreateUser("Alice <alice@example.com>")
	require.NoError(t, err)

	h := codec.SumHash([]byte("commit one"))
	rec := CommitRecord{Hash: h, AuthorID: authorID, CommitterID: authorID, AuthorTime: time.Now(), CommitterTime: time.Now()}

	id1, isNew1, err := s.GetOrCreateCommit(rec)
	require.NoError(t, err)
	require.True(t, isNew1)

	id2, isNew2, err := s.GetOrCreateCommit(rec)
	require.NoError(t, err)
	require.False(t, isNew2)
	require.Equal(t, id1, id2)
}

func TestHashStoredFlagFlipsOnce(t *testing.T) {
	s := openLoaded(t)
	defer s.Close()

	sha := codec.SumHash([]byte("blob contents"))
	id, isNew, err := s.GetOrCreateHash(sha)
	require.NoError(t, err)
	require.True(t, isNew)

	require.NoError(t, s.SetHashStored(id, sha))
	require.NoError(t, s.AppendContents(id, []byte("blob contents")))

	raw, ok, err := s.ReadContents(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("blob contents"), raw)
}

func TestSavepointRoundTrip(t *testing.T) {
	s := openLoaded(t)
	defer s.Close()

	_, err := s.GetOrCreateUser("Alice <alice@example.com>")
	require.NoError(t, err)
	before, err := s.CreateSavepoint("before")
	require.NoError(t, err)
	require.NotZero(t, before.Lengths["users"])

	_, err = s.GetOrCreateUser("Bob <bob@example.com>")
	require.NoError(t, err)

	require.NoError(t, s.RevertToSavepoint("before"))
	require.Equal(t, 1, s.RecordCounts()["users"])

	_, ok := s.usersByIdentity.Get("Bob <bob@example.com>")
	require.False(t, ok)
}
