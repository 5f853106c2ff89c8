// Package substore bundles the per-language (or other partition)
// append-only tables, their indexers, and their savepoints into one
// independent unit, sharing only the global project-id space owned by
// pkg/datastore.
package substore

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"

	"github.com/cuemby/codedj/pkg/codec"
	"github.com/cuemby/codedj/pkg/codedjerr"
	"github.com/cuemby/codedj/pkg/index"
	"github.com/cuemby/codedj/pkg/savepoint"
	"github.com/cuemby/codedj/pkg/table"
)

const (
	tableCommits       = "commits"
	tableCommitMsgs    = "commit_messages"
	tableCommitChanges = "commit_changes"
	tablePaths         = "paths"
	tableUsers         = "users"
	tableHashes        = "hashes"
	tableContents      = "contents"
)

// Substore is one independent partition of project data: commits,
// users, paths, content-addressed blobs, and the savepoints scoped to
// just this partition's tables.
type Substore struct {
	root string
	name string

	commits        *table.Table
	commitMessages *table.Table
	commitChanges  *table.Table
	paths          *table.Table
	users          *table.Table
	hashes         *table.Table
	contents       *table.Table
	savepoints     *savepoint.Store

	loaded          bool
	commitsByHash   *index.Indexer
	pathsByString   *index.Indexer
	usersByIdentity *index.Indexer
	hashesBySHA     *index.Indexer

	writeMu sync.Mutex
}

// Open lazily creates dir/name if absent and opens its table handles.
// The returned Substore is usable for reads (ReadContents, RecordCounts,
// ListSavepoints) but not for writes until LoadAll builds its indexers.
func Open(storesRoot, name string) (*Substore, error) {
	dir := filepath.Join(storesRoot, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, codedjerr.Wrap(codedjerr.IO, "substore.open", err)
	}

	s := &Substore{root: dir, name: name}
	var err error
	if s.commits, err = table.Open(dir, tableCommits, table.SingleValue); err != nil {
		return nil, err
	}
	if s.commitMessages, err = table.Open(dir, tableCommitMsgs, table.SingleValue); err != nil {
		return nil, err
	}
	if s.commitChanges, err = table.Open(dir, tableCommitChanges, table.SingleValue); err != nil {
		return nil, err
	}
	if s.paths, err = table.Open(dir, tablePaths, table.SingleValue); err != nil {
		return nil, err
	}
	if s.users, err = table.Open(dir, tableUsers, table.SingleValue); err != nil {
		return nil, err
	}
	if s.hashes, err = table.Open(dir, tableHashes, table.MultiValue); err != nil {
		return nil, err
	}
	if s.contents, err = table.Open(dir, tableContents, table.SingleValue); err != nil {
		return nil, err
	}
	if s.savepoints, err = savepoint.Open(filepath.Join(dir, "savepoints")); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the sub-store's partition name (e.g. a language tag).
func (s *Substore) Name() string { return s.name }

// Dir returns the on-disk directory a sub-store named name lives under,
// without opening it. Used by the Read View to attach its own read-only
// file handles independent of any writer.
func Dir(storesRoot, name string) string {
	return filepath.Join(storesRoot, name)
}

// TableNames returns the name of every table a sub-store holds, in the
// fixed order CreateSavepoint/RevertToSavepoint iterate them in.
func TableNames() []string {
	return []string{tableCommits, tableCommitMsgs, tableCommitChanges, tablePaths, tableUsers, tableHashes, tableContents}
}

// LoadAll builds this sub-store's in-memory indexers, the prerequisite
// for any write. An unloaded sub-store only supports linear scans.
func (s *Substore) LoadAll() error {
	if s.loaded {
		return nil
	}
	var err error
	if s.commitsByHash, err = index.Open(s.root, "commits_by_hash", s.commits, commitKeyFunc); err != nil {
		return err
	}
	if s.pathsByString, err = index.Open(s.root, "paths_by_string", s.paths, stringKeyFunc); err != nil {
		return err
	}
	if s.usersByIdentity, err = index.Open(s.root, "users_by_identity", s.users, stringKeyFunc); err != nil {
		return err
	}
	if s.hashesBySHA, err = index.Open(s.root, "hashes_by_sha", s.hashes, hashKeyFunc); err != nil {
		return err
	}
	s.loaded = true
	return nil
}

func commitKeyFunc(payload []byte) (string, bool) {
	rec, err := DecodeCommit(payload)
	if err != nil {
		return "", false
	}
	return rec.Hash.String(), true
}

func hashKeyFunc(payload []byte) (string, bool) {
	rec, err := DecodeHash(payload)
	if err != nil {
		return "", false
	}
	return rec.SHA.String(), true
}

func stringKeyFunc(payload []byte) (string, bool) {
	return string(payload), true
}

func (s *Substore) requireLoaded(op string) error {
	if !s.loaded {
		return codedjerr.New(codedjerr.Usage, op, nil, "sub-store not loaded: call LoadAll before writing")
	}
	return nil
}

// GetOrCreateUser returns the id for identity (formatted "name <email>"),
// creating a User record if this is the first sighting.
func (s *Substore) GetOrCreateUser(identity string) (uint64, error) {
	if err := s.requireLoaded("substore.get_or_create_user"); err != nil {
		return 0, err
	}
	id, _, err := s.usersByIdentity.GetOrCreate(identity, func() []byte { return []byte(identity) })
	return id, err
}

// GetOrCreatePath returns the id for a repository-relative path.
func (s *Substore) GetOrCreatePath(path string) (uint64, error) {
	if err := s.requireLoaded("substore.get_or_create_path"); err != nil {
		return 0, err
	}
	id, _, err := s.pathsByString.GetOrCreate(path, func() []byte { return []byte(path) })
	return id, err
}

// GetOrCreateHash returns the id for a blob's SHA-1, creating an absent
// Hash record on first sighting.
func (s *Substore) GetOrCreateHash(sha codec.Hash) (id uint64, isNew bool, err error) {
	if err := s.requireLoaded("substore.get_or_create_hash"); err != nil {
		return 0, false, err
	}
	return s.hashesBySHA.GetOrCreate(sha.String(), func() []byte {
		return HashRecord{SHA: sha, Stored: false}.Encode()
	})
}

// SetHashStored flips a Hash record's stored flag by appending an
// updated payload for the same id (the Hash table is MultiValue, so the
// latest append wins on Get).
func (s *Substore) SetHashStored(id uint64, sha codec.Hash) error {
	if err := s.requireLoaded("substore.set_hash_stored"); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.hashes.Append(&id, HashRecord{SHA: sha, Stored: true}.Encode())
	return err
}

// GetOrCreateCommit returns the id for a commit hash, appending a new
// Commit record on first sighting.
func (s *Substore) GetOrCreateCommit(rec CommitRecord) (id uint64, isNew bool, err error) {
	if err := s.requireLoaded("substore.get_or_create_commit"); err != nil {
		return 0, false, err
	}
	return s.commitsByHash.GetOrCreate(rec.Hash.String(), func() []byte { return rec.Encode() })
}

// CommitIDByHash returns the id for a commit hash without creating one,
// used by the Updater Worker to test whether a hash reachable from a
// remote ref is already known before walking further.
func (s *Substore) CommitIDByHash(h codec.Hash) (uint64, bool) {
	if !s.loaded {
		return 0, false
	}
	return s.commitsByHash.Get(h.String())
}

// AppendCommitMessage records the one and only message for commitID.
func (s *Substore) AppendCommitMessage(commitID uint64, message []byte) error {
	if err := s.requireLoaded("substore.append_commit_message"); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.commitMessages.Append(&commitID, message)
	return err
}

// AppendCommitChanges records the one and only CommitChanges entry for
// commitID.
func (s *Substore) AppendCommitChanges(commitID uint64, rec CommitChangesRecord) error {
	if err := s.requireLoaded("substore.append_commit_changes"); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.commitChanges.Append(&commitID, rec.Encode())
	return err
}

// AppendContents gzip-compresses raw and stores it under hashID. Callers
// must only do this for a Hash that has just transitioned to stored.
func (s *Substore) AppendContents(hashID uint64, raw []byte) error {
	if err := s.requireLoaded("substore.append_contents"); err != nil {
		return err
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return codedjerr.Wrap(codedjerr.IO, "substore.append_contents", err)
	}
	if err := gw.Close(); err != nil {
		return codedjerr.Wrap(codedjerr.IO, "substore.append_contents", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.contents.Append(&hashID, buf.Bytes())
	return err
}

// ReadContents returns the decompressed bytes stored for hashID.
func (s *Substore) ReadContents(hashID uint64) ([]byte, bool, error) {
	compressed, ok, err := s.contents.Get(hashID)
	if err != nil || !ok {
		return nil, ok, err
	}
	gr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, false, codedjerr.Wrap(codedjerr.IO, "substore.read_contents", err)
	}
	defer gr.Close()
	raw, err := io.ReadAll(gr)
	if err != nil {
		return nil, false, codedjerr.Wrap(codedjerr.IO, "substore.read_contents", err)
	}
	return raw, true, nil
}

// CreateSavepoint records every table's current byte length under name.
// It does no flushing of its own; each table append is already synced.
func (s *Substore) CreateSavepoint(name string) (savepoint.Record, error) {
	lengths := make(map[string]int64, 7)
	for _, t := range s.allTables() {
		n, err := t.table.LenBytes()
		if err != nil {
			return savepoint.Record{}, err
		}
		lengths[t.name] = n
	}
	return s.savepoints.Create(name, lengths)
}

// RevertToSavepoint truncates every table to the byte length recorded by
// name, then rebuilds every indexer, since a partially-trimmed indexer
// log cannot always be trimmed incrementally. This is destructive and
// must only be invoked offline, under the datastore root lock, with all
// workers stopped.
func (s *Substore) RevertToSavepoint(name string) error {
	rec, err := s.savepoints.Get(name)
	if err != nil {
		// A sub-store created after the savepoint was taken has no record
		// for it: at capture time it held nothing, so revert empties it.
		if kind, ok := codedjerr.KindOf(err); ok && kind == codedjerr.Usage {
			rec = savepoint.Record{Name: name}
		} else {
			return err
		}
	}
	for _, t := range s.allTables() {
		if err := t.table.TruncateTo(rec.Lengths[t.name]); err != nil {
			return err
		}
	}
	if err := s.LoadAll(); err != nil {
		return err
	}
	if err := s.commitsByHash.Rebuild(commitKeyFunc); err != nil {
		return err
	}
	if err := s.pathsByString.Rebuild(stringKeyFunc); err != nil {
		return err
	}
	if err := s.usersByIdentity.Rebuild(stringKeyFunc); err != nil {
		return err
	}
	if err := s.hashesBySHA.Rebuild(hashKeyFunc); err != nil {
		return err
	}
	return nil
}

// ListSavepoints returns this sub-store's savepoints, newest first.
func (s *Substore) ListSavepoints() ([]savepoint.Record, error) {
	return s.savepoints.List()
}

type namedTable struct {
	name  string
	table *table.Table
}

func (s *Substore) allTables() []namedTable {
	return []namedTable{
		{tableCommits, s.commits},
		{tableCommitMsgs, s.commitMessages},
		{tableCommitChanges, s.commitChanges},
		{tablePaths, s.paths},
		{tableUsers, s.users},
		{tableHashes, s.hashes},
		{tableContents, s.contents},
	}
}

// RecordCounts returns the number of distinct ids stored in each table,
// used by Datastore.Summary.
func (s *Substore) RecordCounts() map[string]int {
	out := make(map[string]int, 7)
	for _, t := range s.allTables() {
		out[t.name] = t.table.Count()
	}
	return out
}

// Close closes every table and indexer this sub-store owns.
func (s *Substore) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, t := range s.allTables() {
		record(t.table.Close())
	}
	if s.loaded {
		record(s.commitsByHash.Close())
		record(s.pathsByString.Close())
		record(s.usersByIdentity.Close())
		record(s.hashesBySHA.Close())
	}
	return firstErr
}
