// Package savepoint implements named snapshots of per-table byte lengths,
// enabling truncation-based rollback of a sub-store or the datastore
// root. A savepoint is immutable once created; reverting to one is a
// destructive, offline-only operation performed by pkg/substore and
// pkg/datastore, which own the tables being truncated.
package savepoint

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/codedj/pkg/codedjerr"
	"github.com/cuemby/codedj/pkg/metrics"
)

// Record is a named marker recording, per table, the file length at the
// moment the savepoint was taken.
type Record struct {
	Name      string           `json:"name"`
	Timestamp time.Time        `json:"timestamp"`
	Lengths   map[string]int64 `json:"lengths"`
}

// Store persists Records under a "savepoints/" directory.
type Store struct {
	dir string
}

// Open returns a Store rooted at dir (typically "<substore>/savepoints"
// or "<datastore-root>/savepoints"), creating it if absent.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, codedjerr.Wrap(codedjerr.IO, "savepoint.open", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Create synchronously records lengths under name. It fails if a
// savepoint with that name already exists, since savepoints are
// immutable. The write-then-rename sequence means a crash mid-write
// never leaves a torn savepoint file.
func (s *Store) Create(name string, lengths map[string]int64) (Record, error) {
	path := s.path(name)
	if _, err := os.Stat(path); err == nil {
		return Record{}, codedjerr.New(codedjerr.Usage, "savepoint.create", nil,
			"savepoint "+name+" already exists")
	}

	rec := Record{Name: name, Timestamp: time.Now().UTC(), Lengths: lengths}
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, codedjerr.Wrap(codedjerr.IO, "savepoint.create", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Record{}, codedjerr.Wrap(codedjerr.IO, "savepoint.create", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return Record{}, codedjerr.Wrap(codedjerr.IO, "savepoint.create", err)
	}
	metrics.SavepointsTotal.Inc()
	return rec, nil
}

// Get loads the named savepoint.
func (s *Store) Get(name string) (Record, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, codedjerr.New(codedjerr.Usage, "savepoint.get", err,
				"no such savepoint: "+name)
		}
		return Record{}, codedjerr.Wrap(codedjerr.IO, "savepoint.get", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, codedjerr.Wrap(codedjerr.Codec, "savepoint.get", err)
	}
	return rec, nil
}

// List returns every savepoint, newest first.
func (s *Store) List() ([]Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, codedjerr.Wrap(codedjerr.IO, "savepoint.list", err)
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		name := e.Name()[:len(e.Name())-len(".json")]
		rec, err := s.Get(name)
		if err != nil {
			continue // skip a savepoint that failed to parse rather than fail List entirely
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}
