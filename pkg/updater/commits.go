package updater

import (
	"context"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/cuemby/codedj/pkg/codedjerr"
	"github.com/cuemby/codedj/pkg/metrics"
	"github.com/cuemby/codedj/pkg/substore"
)

// runOnce performs a single, non-retried attempt at updating projectID:
// clone/fetch, compute new heads, and if they changed (or force is set)
// walk every newly reachable commit into ss. A single attempt corresponds
// to exactly one credential and is what runWithRetry retries on a
// transient failure.
func (w *Worker) runOnce(ctx context.Context, projectID uint64, url, token string, ss *substore.Substore, force bool) (updateResult, error) {
	dir := w.cloneDir(projectID)

	fetchTimer := metrics.NewTimer()
	repo, err := cloneOrFetch(ctx, dir, url, token)
	fetchTimer.ObserveDuration(metrics.GitFetchDuration)
	if err != nil {
		return updateResult{}, err
	}

	heads, err := currentHeads(repo)
	if err != nil {
		return updateResult{}, err
	}

	previous, hadPrevious, err := w.ds.LatestHeads(projectID)
	if err != nil {
		return updateResult{}, err
	}
	if hadPrevious && !force && headsUnchanged(previous, heads, ss) {
		return updateResult{heads: heads, workdir: dir}, nil
	}

	commits, err := newCommitsFrom(repo, heads, func(h plumbing.Hash) bool {
		return commitKnown(ss, h)
	})
	if err != nil {
		return updateResult{}, err
	}

	deadline := time.Now().Add(w.commitTimeout)
	timedOut := false
	processed := 0

	for _, c := range commits {
		if time.Now().After(deadline) {
			timedOut = true
			break
		}
		select {
		case <-ctx.Done():
			timedOut = true
		default:
		}
		if timedOut {
			break
		}

		if err := w.processCommit(repo, ss, c); err != nil {
			if codedjerr.IsTransient(err) {
				return updateResult{}, err
			}
			// Permanent-for-this-commit errors (a corrupt object, a
			// missing blob) are skipped rather than aborting the whole
			// project.
			continue
		}
		processed++
		metrics.CommitsProcessedTotal.Inc()
	}

	if !timedOut {
		if err := w.ds.RecordHeads(projectID, substore.ProjectHeadsRecord{
			Heads:     toHeadRefs(heads, ss),
			Timestamp: time.Now().UTC(),
		}); err != nil {
			return updateResult{}, err
		}
	}

	return updateResult{newCommits: processed, heads: heads, workdir: dir, timedOut: timedOut}, nil
}

// commitKnown reports whether h already has a Commit record in ss,
// without creating one.
func commitKnown(ss *substore.Substore, h plumbing.Hash) bool {
	_, known := ss.CommitIDByHash(toCodecHash(h))
	return known
}

// headsUnchanged compares the previously recorded heads (stored as
// commit ids) against the freshly fetched remote-tracking refs (as
// plumbing hashes) by resolving each through the sub-store's commit
// indexer.
func headsUnchanged(prev substore.ProjectHeadsRecord, heads []headRef, ss *substore.Substore) bool {
	if len(prev.Heads) != len(heads) {
		return false
	}
	byBranch := make(map[string]uint64, len(prev.Heads))
	for _, h := range prev.Heads {
		byBranch[h.Branch] = h.CommitID
	}
	for _, h := range heads {
		id, ok := byBranch[h.branch]
		if !ok {
			return false
		}
		currentID, known := ss.CommitIDByHash(toCodecHash(h.hash))
		if !known || currentID != id {
			return false
		}
	}
	return true
}

func toHeadRefs(heads []headRef, ss *substore.Substore) []substore.HeadRef {
	out := make([]substore.HeadRef, 0, len(heads))
	for _, h := range heads {
		id, ok := ss.CommitIDByHash(toCodecHash(h.hash))
		if !ok {
			continue
		}
		out = append(out, substore.HeadRef{Branch: h.branch, CommitID: id})
	}
	return out
}

// processCommit resolves author/committer, get-or-creates the Commit
// record, appends its message and change set, and stores any newly
// created blob the contents policy says to keep.
func (w *Worker) processCommit(repo *git.Repository, ss *substore.Substore, c *object.Commit) error {
	authorID, err := ss.GetOrCreateUser(identity(c.Author))
	if err != nil {
		return err
	}
	committerID, err := ss.GetOrCreateUser(identity(c.Committer))
	if err != nil {
		return err
	}

	var parents []uint64
	for _, ph := range c.ParentHashes {
		if id, ok := ss.CommitIDByHash(toCodecHash(ph)); ok {
			parents = append(parents, id)
		}
	}

	commitID, isNew, err := ss.GetOrCreateCommit(substore.CommitRecord{
		Hash:          toCodecHash(c.Hash),
		AuthorID:      authorID,
		CommitterID:   committerID,
		AuthorTime:    c.Author.When.UTC(),
		CommitterTime: c.Committer.When.UTC(),
		Parents:       parents,
	})
	if err != nil {
		return err
	}
	if !isNew {
		return nil
	}

	if err := ss.AppendCommitMessage(commitID, []byte(c.Message)); err != nil {
		return err
	}

	changes, err := diffCommit(c)
	if err != nil {
		return err
	}

	entries := make([]substore.ChangeEntry, 0, len(changes))
	for _, ch := range changes {
		pathID, err := ss.GetOrCreatePath(ch.path)
		if err != nil {
			return err
		}
		entry := substore.ChangeEntry{PathID: pathID}

		if ch.kind == kindDeleted {
			entry.Kind = substore.Deleted
			entries = append(entries, entry)
			continue
		}

		switch ch.kind {
		case kindRenamed:
			entry.Kind = substore.Renamed
			oldID, err := ss.GetOrCreatePath(ch.oldPath)
			if err != nil {
				return err
			}
			entry.OldPathID = oldID
		case kindAdded:
			entry.Kind = substore.Added
		default:
			entry.Kind = substore.Modified
		}

		hashID, isNewHash, err := ss.GetOrCreateHash(toCodecHash(ch.blob))
		if err != nil {
			return err
		}
		entry.Hash = toCodecHash(ch.blob)
		if isNewHash {
			if err := w.maybeStoreContents(repo, ss, hashID, ch); err != nil {
				return err
			}
		} else {
			metrics.ContentsDedupedTotal.Inc()
		}
		entries = append(entries, entry)
	}

	return ss.AppendCommitChanges(commitID, substore.CommitChangesRecord{Changes: entries})
}

func (w *Worker) maybeStoreContents(repo *git.Repository, ss *substore.Substore, hashID uint64, ch changeSet) error {
	raw, err := readBlob(repo, ch.blob)
	if err != nil {
		return err
	}
	if !w.contentsPolicy(ch.path, int64(len(raw))) {
		return nil
	}
	// Contents first, stored flag second: a crash between the two leaves
	// an unflagged Contents entry (its hash is already indexed, so later
	// updates leave it unflagged) rather than a stored flag with no bytes
	// behind it.
	if err := ss.AppendContents(hashID, raw); err != nil {
		return err
	}
	return ss.SetHashStored(hashID, toCodecHash(ch.blob))
}
