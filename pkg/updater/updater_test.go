package updater

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/codedj/pkg/codedjerr"
	"github.com/cuemby/codedj/pkg/datastore"
)

func blobHash(b byte) plumbing.Hash {
	var h plumbing.Hash
	h[0] = b
	return h
}

func TestCollapseRenamesPairsDeleteAndAddBySameBlob(t *testing.T) {
	raw := []changeSet{
		{path: "old/name.go", kind: kindDeleted, blob: blobHash(1)},
		{path: "new/name.go", kind: kindAdded, blob: blobHash(1)},
		{path: "other.go", kind: kindModified, blob: blobHash(2)},
	}

	out := collapseRenames(raw)
	require.Len(t, out, 2)

	require.Equal(t, kindRenamed, out[0].kind)
	require.Equal(t, "new/name.go", out[0].path)
	require.Equal(t, "old/name.go", out[0].oldPath)
	require.Equal(t, kindModified, out[1].kind)
}

func TestCollapseRenamesLeavesUnpairedChangesAlone(t *testing.T) {
	raw := []changeSet{
		{path: "gone.go", kind: kindDeleted, blob: blobHash(1)},
		{path: "fresh.go", kind: kindAdded, blob: blobHash(2)},
	}

	out := collapseRenames(raw)
	require.Len(t, out, 2)
	for _, c := range out {
		require.NotEqual(t, kindRenamed, c.kind)
	}
}

func TestIdentityFormatsNameEmail(t *testing.T) {
	sig := object.Signature{Name: "Alice", Email: "alice@example.com"}
	require.Equal(t, "Alice <alice@example.com>", identity(sig))
}

func TestClassifyGitErrorSplitsTransientFromPermanent(t *testing.T) {
	permanent := classifyGitError("git.fetch", git.ErrRepositoryNotExists)
	require.False(t, codedjerr.IsTransient(permanent))

	transient := classifyGitError("git.fetch", os.ErrDeadlineExceeded)
	require.True(t, codedjerr.IsTransient(transient))
}

func TestExtensionLanguageDetectorPicksDominantExtension(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	write := func(name string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
	write("main.go")
	write("util.go")
	write("script.py")
	// Files under .git must not count.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "hook.py"), []byte("x"), 0o644))

	lang, ok := ExtensionLanguageDetector(dir)
	require.True(t, ok)
	require.Equal(t, "go", lang)
}

func TestExtensionLanguageDetectorReportsUnknown(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("x"), 0o644))

	_, ok := ExtensionLanguageDetector(dir)
	require.False(t, ok)
}

func TestDefaultContentsPolicyCapsBlobSize(t *testing.T) {
	require.True(t, DefaultContentsPolicy("main.go", 1024))
	require.False(t, DefaultContentsPolicy("huge.bin", 9<<20))
}

func openTestDatastore(t *testing.T) *datastore.Datastore {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, datastore.Create(dir))
	ds, err := datastore.Open(dir, false)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds
}

func detectorReturning(lang string) LanguageDetector {
	return func(string) (string, bool) { return lang, true }
}

func TestApplyDetectedLanguageFirstAssignment(t *testing.T) {
	ds := openTestDatastore(t)
	_, err := ds.Add("https://github.com/a/b")
	require.NoError(t, err)

	w := New(Config{Datastore: ds, LanguageDetector: detectorReturning("go")})
	require.Empty(t, w.applyDetectedLanguage(0, "unassigned", t.TempDir()))

	name, ok, err := ds.AssignedSubstore(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "go", name)
}

func TestApplyDetectedLanguageSameLanguageIsQuiet(t *testing.T) {
	ds := openTestDatastore(t)
	_, err := ds.Add("https://github.com/a/b")
	require.NoError(t, err)
	require.NoError(t, ds.AssignSubstore(0, "go"))

	w := New(Config{Datastore: ds, LanguageDetector: detectorReturning("go")})
	require.Empty(t, w.applyDetectedLanguage(0, "go", t.TempDir()))
}

func TestApplyDetectedLanguageConflictNamesBothSubstores(t *testing.T) {
	ds := openTestDatastore(t)
	_, err := ds.Add("https://github.com/a/b")
	require.NoError(t, err)
	require.NoError(t, ds.AssignSubstore(0, "go"))

	w := New(Config{Datastore: ds, LanguageDetector: detectorReturning("rust")})
	conflict := w.applyDetectedLanguage(0, "go", t.TempDir())
	require.Contains(t, conflict, "go")
	require.Contains(t, conflict, "rust")

	// The recorded assignment must be untouched by the refused move.
	name, ok, err := ds.AssignedSubstore(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "go", name)
}
