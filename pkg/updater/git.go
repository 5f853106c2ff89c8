package updater

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"github.com/cuemby/codedj/pkg/codec"
	"github.com/cuemby/codedj/pkg/codedjerr"
)

// cloneOrFetch opens the project's scratch clone under dir, cloning it
// fresh if absent and fetching all refs otherwise. Go-git's shallow
// clone support is intentionally unused: new branches need full
// history, which a shallow clone cannot supply without later
// un-shallowing, so every project keeps a full clone and only the fetch
// step is incremental.
func cloneOrFetch(ctx context.Context, dir, url, token string) (*git.Repository, error) {
	var auth transport.AuthMethod
	if token != "" {
		auth = &http.BasicAuth{Username: "x-access-token", Password: token}
	}

	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		repo, err := git.PlainOpen(dir)
		if err != nil {
			return nil, codedjerr.Wrap(codedjerr.Git, "git.open", err)
		}
		err = repo.FetchContext(ctx, &git.FetchOptions{
			RemoteName: "origin",
			Auth:       auth,
			RefSpecs:   []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
			Tags:       git.NoTags,
			Force:      true,
		})
		if err != nil && err != git.NoErrAlreadyUpToDate {
			return nil, classifyGitError("git.fetch", err)
		}
		return repo, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, codedjerr.Wrap(codedjerr.IO, "git.clone", err)
	}
	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:  url,
		Auth: auth,
	})
	if err != nil {
		return nil, classifyGitError("git.clone", err)
	}
	return repo, nil
}

// classifyGitError tags a go-git error as Network (retryable with a
// fresh credential) or Git (permanent for this attempt).
func classifyGitError(op string, err error) error {
	switch err {
	case git.ErrRepositoryNotExists, git.ErrRemoteNotFound,
		transport.ErrAuthenticationRequired, transport.ErrAuthorizationFailed,
		transport.ErrRepositoryNotFound:
		return codedjerr.Wrap(codedjerr.Git, op, err)
	default:
		return codedjerr.Wrap(codedjerr.Network, op, err)
	}
}

// currentHeads lists every remote-tracking branch head as a HeadRef.
func currentHeads(repo *git.Repository) ([]headRef, error) {
	refs, err := repo.References()
	if err != nil {
		return nil, codedjerr.Wrap(codedjerr.Git, "git.heads", err)
	}
	defer refs.Close()

	var out []headRef
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		name := ref.Name()
		if !name.IsRemote() {
			return nil
		}
		branch := name.Short()
		out = append(out, headRef{branch: branch, hash: ref.Hash()})
		return nil
	})
	if err != nil {
		return nil, codedjerr.Wrap(codedjerr.Git, "git.heads", err)
	}
	return out, nil
}

type headRef struct {
	branch string
	hash   plumbing.Hash
}

// newCommitsFrom walks the commit graph reachable from heads, stopping
// at any commit whose hash is already known (per knownHash), and returns
// the newly-discovered commits in reverse-topological (oldest-first)
// order so parents are always processed before children.
func newCommitsFrom(repo *git.Repository, heads []headRef, knownHash func(plumbing.Hash) bool) ([]*object.Commit, error) {
	seen := make(map[plumbing.Hash]bool)
	var order []*object.Commit

	var visit func(h plumbing.Hash) error
	visit = func(h plumbing.Hash) error {
		if seen[h] || knownHash(h) {
			return nil
		}
		seen[h] = true
		c, err := repo.CommitObject(h)
		if err != nil {
			return codedjerr.Wrap(codedjerr.Git, "git.walk", err)
		}
		for _, p := range c.ParentHashes {
			if err := visit(p); err != nil {
				return err
			}
		}
		order = append(order, c)
		return nil
	}

	for _, h := range heads {
		if err := visit(h.hash); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// changeSet is one path's detected change within a commit, before ids
// are resolved against the sub-store's Path/Hash indexers.
type changeSet struct {
	path    string
	oldPath string // set only for a rename pairing
	kind    changeKindLocal
	blob    plumbing.Hash
}

type changeKindLocal int

const (
	kindAdded changeKindLocal = iota
	kindModified
	kindDeleted
	kindRenamed
)

// diffCommit computes the path-level changes introduced by c relative to
// its first parent (or the empty tree, for a root commit), then applies
// an exact-content rename heuristic: a deleted path and an added path
// that point at the same blob hash are collapsed into one Renamed entry,
// mirroring git's own content-based rename detection at similarity=100%
// without requiring a fuzzy-similarity pass.
func diffCommit(c *object.Commit) ([]changeSet, error) {
	tree, err := c.Tree()
	if err != nil {
		return nil, codedjerr.Wrap(codedjerr.Git, "git.diff", err)
	}

	var parentTree *object.Tree
	if c.NumParents() > 0 {
		parent, err := c.Parent(0)
		if err != nil {
			return nil, codedjerr.Wrap(codedjerr.Git, "git.diff", err)
		}
		parentTree, err = parent.Tree()
		if err != nil {
			return nil, codedjerr.Wrap(codedjerr.Git, "git.diff", err)
		}
	}

	var raw []changeSet
	if parentTree == nil {
		walker := object.NewTreeWalker(tree, true, nil)
		defer walker.Close()
		for {
			name, entry, err := walker.Next()
			if err != nil {
				break
			}
			if entry.Mode.IsFile() {
				raw = append(raw, changeSet{path: name, kind: kindAdded, blob: entry.Hash})
			}
		}
	} else {
		changes, err := object.DiffTree(parentTree, tree)
		if err != nil {
			return nil, codedjerr.Wrap(codedjerr.Git, "git.diff", err)
		}
		for _, ch := range changes {
			action, err := ch.Action()
			if err != nil {
				return nil, codedjerr.Wrap(codedjerr.Git, "git.diff", err)
			}
			switch action {
			case merkletrie.Insert:
				raw = append(raw, changeSet{path: ch.To.Name, kind: kindAdded, blob: ch.To.TreeEntry.Hash})
			case merkletrie.Delete:
				raw = append(raw, changeSet{path: ch.From.Name, kind: kindDeleted, blob: ch.From.TreeEntry.Hash})
			case merkletrie.Modify:
				raw = append(raw, changeSet{path: ch.To.Name, kind: kindModified, blob: ch.To.TreeEntry.Hash})
			}
		}
	}

	return collapseRenames(raw), nil
}

// collapseRenames pairs a Deleted and an Added entry sharing the same
// blob hash into a single Renamed entry carrying both paths.
func collapseRenames(raw []changeSet) []changeSet {
	deletedByBlob := make(map[plumbing.Hash]int)
	for i, c := range raw {
		if c.kind == kindDeleted {
			deletedByBlob[c.blob] = i
		}
	}

	consumed := make(map[int]bool)
	var out []changeSet
	for i, c := range raw {
		if c.kind != kindAdded {
			continue
		}
		if di, ok := deletedByBlob[c.blob]; ok && !consumed[di] {
			consumed[di] = true
			out = append(out, changeSet{path: c.path, oldPath: raw[di].path, kind: kindRenamed, blob: c.blob})
			consumed[i] = true
		}
	}
	for i, c := range raw {
		if consumed[i] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// readBlob returns the raw bytes of a blob object by hash.
func readBlob(repo *git.Repository, h plumbing.Hash) ([]byte, error) {
	blob, err := repo.BlobObject(h)
	if err != nil {
		return nil, codedjerr.Wrap(codedjerr.Git, "git.read_blob", err)
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, codedjerr.Wrap(codedjerr.Git, "git.read_blob", err)
	}
	defer r.Close()
	buf := make([]byte, blob.Size)
	if _, err := io.ReadFull(r, buf); err != nil && err != io.ErrUnexpectedEOF {
		return nil, codedjerr.Wrap(codedjerr.Git, "git.read_blob", err)
	}
	return buf, nil
}

func toCodecHash(h plumbing.Hash) codec.Hash {
	var out codec.Hash
	copy(out[:], h[:])
	return out
}

func identity(sig object.Signature) string {
	return fmt.Sprintf("%s <%s>", sig.Name, sig.Email)
}
