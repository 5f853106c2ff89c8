// Package readview implements the Read View: an immutable,
// savepoint-pinned, streaming read API over one sub-store, independent
// of any writer. A View opens its own file handles
// against a recorded savepoint (or the sub-store's current on-disk
// lengths for "latest") and tolerates a writer appending concurrently,
// since appends past the pinned length are simply invisible.
package readview

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/cuemby/codedj/pkg/codedjerr"
	"github.com/cuemby/codedj/pkg/savepoint"
	"github.com/cuemby/codedj/pkg/substore"
	"github.com/cuemby/codedj/pkg/table"
)

// Latest is the pseudo-savepoint name meaning "the sub-store's current
// on-disk byte lengths", rather than a named, recorded savepoint.
const Latest = "latest"

// View is a read-only, savepoint-pinned handle over every table of one
// sub-store.
type View struct {
	dir       string
	savepoint string
	tables    map[string]*table.ReadOnly
}

// Open pins a View of sub-store name under storesRoot at savepointName.
// An empty name or Latest pins at the sub-store's current on-disk
// lengths; any other name must match a savepoint previously recorded by
// Substore.CreateSavepoint.
func Open(storesRoot, name, savepointName string) (*View, error) {
	if savepointName == "" {
		savepointName = Latest
	}
	dir := substore.Dir(storesRoot, name)

	var lengths map[string]int64
	if savepointName != Latest {
		store, err := savepoint.Open(filepath.Join(dir, "savepoints"))
		if err != nil {
			return nil, err
		}
		rec, err := store.Get(savepointName)
		if err != nil {
			return nil, err
		}
		lengths = rec.Lengths
	}

	v := &View{dir: dir, savepoint: savepointName, tables: make(map[string]*table.ReadOnly)}
	for _, tableName := range substore.TableNames() {
		dataLimit, err := dataLimitFor(dir, tableName, lengths)
		if err != nil {
			v.Close()
			return nil, err
		}
		indexLimit, err := table.IndexLengthForDataLength(dir, tableName, dataLimit)
		if err != nil {
			v.Close()
			return nil, err
		}
		ro, err := table.OpenReadOnly(dir, tableName, dataLimit, indexLimit)
		if err != nil {
			v.Close()
			return nil, err
		}
		v.tables[tableName] = ro
	}
	return v, nil
}

func dataLimitFor(dir, tableName string, lengths map[string]int64) (int64, error) {
	if lengths != nil {
		return lengths[tableName], nil
	}
	fi, err := os.Stat(filepath.Join(dir, tableName+".data"))
	if err != nil {
		return 0, codedjerr.Wrap(codedjerr.IO, "readview.open", err)
	}
	return fi.Size(), nil
}

// Savepoint reports the name this view is pinned at.
func (v *View) Savepoint() string { return v.savepoint }

// ListSavepoints returns every savepoint recorded for this sub-store,
// newest first, regardless of which one this View is itself pinned at.
func (v *View) ListSavepoints() ([]savepoint.Record, error) {
	store, err := savepoint.Open(filepath.Join(v.dir, "savepoints"))
	if err != nil {
		return nil, err
	}
	return store.List()
}

// Commit returns the decoded commit record for id.
func (v *View) Commit(id uint64) (substore.CommitRecord, bool, error) {
	payload, ok, err := v.tables["commits"].Get(id)
	if err != nil || !ok {
		return substore.CommitRecord{}, ok, err
	}
	rec, err := substore.DecodeCommit(payload)
	return rec, true, err
}

// CommitMessage returns the raw message bytes for a commit id.
func (v *View) CommitMessage(id uint64) ([]byte, bool, error) {
	return v.tables["commit_messages"].Get(id)
}

// CommitChanges returns the decoded change set for a commit id.
func (v *View) CommitChanges(id uint64) (substore.CommitChangesRecord, bool, error) {
	payload, ok, err := v.tables["commit_changes"].Get(id)
	if err != nil || !ok {
		return substore.CommitChangesRecord{}, ok, err
	}
	rec, err := substore.DecodeCommitChanges(payload)
	return rec, true, err
}

// Path returns the path string stored under id.
func (v *View) Path(id uint64) (string, bool, error) {
	payload, ok, err := v.tables["paths"].Get(id)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(payload), true, nil
}

// User returns the "name <email>" identity string stored under id.
func (v *View) User(id uint64) (string, bool, error) {
	payload, ok, err := v.tables["users"].Get(id)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(payload), true, nil
}

// Hash returns the decoded Hash record for id.
func (v *View) Hash(id uint64) (substore.HashRecord, bool, error) {
	payload, ok, err := v.tables["hashes"].Get(id)
	if err != nil || !ok {
		return substore.HashRecord{}, ok, err
	}
	rec, err := substore.DecodeHash(payload)
	return rec, true, err
}

// Contents returns the decompressed blob bytes stored under hashID.
func (v *View) Contents(hashID uint64) ([]byte, bool, error) {
	compressed, ok, err := v.tables["contents"].Get(hashID)
	if err != nil || !ok {
		return nil, ok, err
	}
	gr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, false, codedjerr.Wrap(codedjerr.IO, "readview.contents", err)
	}
	defer gr.Close()
	raw, err := io.ReadAll(gr)
	if err != nil {
		return nil, false, codedjerr.Wrap(codedjerr.IO, "readview.contents", err)
	}
	return raw, true, nil
}

// CommitRow pairs a commit's id with its decoded record, the unit Commits
// streams.
type CommitRow struct {
	ID     uint64
	Record substore.CommitRecord
}

// Commits returns a lazy sequence of every commit visible at this view's
// pinned savepoint, in append order.
func (v *View) Commits() func(yield func(CommitRow, error) bool) {
	return func(yield func(CommitRow, error) bool) {
		it := v.tables["commits"].Iter()
		for {
			id, payload, ok, err := it.Next()
			if err != nil {
				yield(CommitRow{}, err)
				return
			}
			if !ok {
				return
			}
			rec, err := substore.DecodeCommit(payload)
			if !yield(CommitRow{ID: id, Record: rec}, err) {
				return
			}
		}
	}
}

// HashRow pairs a hash's id with its decoded record, the unit Hashes
// streams.
type HashRow struct {
	ID     uint64
	Record substore.HashRecord
}

// Hashes returns a lazy sequence of every hash visible at this view's
// pinned savepoint, in append order. The Hash table is MultiValue (a
// stored flag may flip after first sighting), so the same id can appear
// twice; callers wanting the latest flag per id should prefer Hash(id).
func (v *View) Hashes() func(yield func(HashRow, error) bool) {
	return func(yield func(HashRow, error) bool) {
		it := v.tables["hashes"].Iter()
		for {
			id, payload, ok, err := it.Next()
			if err != nil {
				yield(HashRow{}, err)
				return
			}
			if !ok {
				return
			}
			rec, err := substore.DecodeHash(payload)
			if !yield(HashRow{ID: id, Record: rec}, err) {
				return
			}
		}
	}
}

// Close releases every table's file handles and mmap.
func (v *View) Close() error {
	var firstErr error
	for _, ro := range v.tables {
		if ro == nil {
			continue
		}
		if err := ro.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
