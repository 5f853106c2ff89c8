// Package index implements the secondary map from a domain key (a URL,
// a hash, a path, a user identity string) to the primary id assigned by
// an underlying append-only table. The map is durable via its own
// append-only log of (key, id) pairs and is rebuildable by rescanning
// the owning table.
package index

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cuemby/codedj/pkg/codedjerr"
	"github.com/cuemby/codedj/pkg/metrics"
	"github.com/cuemby/codedj/pkg/table"
)

const numStripes = 32

// stripe picks one of numStripes locks for a key, so get_or_create calls
// against unrelated keys never contend — the in-memory map itself stays
// a single map guarded by the Indexer's own RWMutex for plain reads, while
// the per-key stripe serializes only the read-check-create sequence.
func stripe(key string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return h % numStripes
}

// KeyFunc derives the canonical key for a payload, used by Rebuild to
// recompute the indexer log from the underlying table without trusting
// the (possibly stale) on-disk log.
type KeyFunc func(payload []byte) (key string, ok bool)

// Indexer is a persistent key→id map layered over a table.Table.
type Indexer struct {
	name    string
	table   *table.Table // the underlying entity table this indexer keys
	logPath string

	mu      sync.RWMutex
	byKey   map[string]uint64
	stripes [numStripes]sync.Mutex

	log *os.File
}

// Open loads (or creates) the indexer log at dir/name+".idx", reconciling
// it against t: any record appended to t but not yet present in the log
// (the result of a crash between the table append and the indexer append
// in GetOrCreate) is re-indexed via keyFunc when keyFunc can recompute a
// deterministic key, or left unindexed when it cannot; Open does not
// report such records to the caller.
func Open(dir, name string, t *table.Table, keyFunc KeyFunc) (*Indexer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, codedjerr.Wrap(codedjerr.IO, "index.open", err)
	}
	logPath := filepath.Join(dir, name+".idx")
	f, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, codedjerr.Wrap(codedjerr.IO, "index.open", err)
	}

	idx := &Indexer{name: name, table: t, logPath: logPath, log: f, byKey: make(map[string]uint64)}
	indexed, err := idx.loadLog()
	if err != nil {
		f.Close()
		return nil, err
	}

	if keyFunc != nil {
		if err := idx.reconcile(indexed, keyFunc); err != nil {
			f.Close()
			return nil, err
		}
	}
	return idx, nil
}

func (idx *Indexer) loadLog() (indexedIDs map[uint64]bool, err error) {
	indexedIDs = make(map[uint64]bool)
	if _, err := idx.log.Seek(0, io.SeekStart); err != nil {
		return nil, codedjerr.Wrap(codedjerr.IO, "index.load", err)
	}
	r := io.Reader(idx.log)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, codedjerr.Wrap(codedjerr.IO, "index.load", err)
		}
		keyLen := binary.LittleEndian.Uint32(lenBuf[:])
		keyBuf := make([]byte, keyLen)
		if _, err := io.ReadFull(r, keyBuf); err != nil {
			break // torn tail entry; stop loading, same tolerance as table's crash protocol
		}
		var idBuf [8]byte
		if _, err := io.ReadFull(r, idBuf[:]); err != nil {
			break
		}
		id := binary.LittleEndian.Uint64(idBuf[:])
		idx.byKey[string(keyBuf)] = id
		indexedIDs[id] = true
	}
	return indexedIDs, nil
}

// reconcile scans the owning table for ids missing from the log and
// re-indexes them when keyFunc can derive a key for their payload.
func (idx *Indexer) reconcile(indexed map[uint64]bool, keyFunc KeyFunc) error {
	it, err := idx.table.Iter()
	if err != nil {
		return err
	}
	defer it.Close()

	for {
		id, payload, ok, err := it.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if indexed[id] {
			continue
		}
		key, ok := keyFunc(payload)
		if !ok {
			continue // orphan: payload doesn't carry a deterministic key, left unindexed
		}
		if err := idx.appendLog(key, id); err != nil {
			return err
		}
		idx.byKey[key] = id
	}
	return nil
}

func (idx *Indexer) appendLog(key string, id uint64) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(key)))
	if _, err := idx.log.Seek(0, io.SeekEnd); err != nil {
		return codedjerr.Wrap(codedjerr.IO, "index.append", err)
	}
	if _, err := idx.log.Write(lenBuf[:]); err != nil {
		return codedjerr.Wrap(codedjerr.IO, "index.append", err)
	}
	if _, err := idx.log.Write([]byte(key)); err != nil {
		return codedjerr.Wrap(codedjerr.IO, "index.append", err)
	}
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], id)
	if _, err := idx.log.Write(idBuf[:]); err != nil {
		return codedjerr.Wrap(codedjerr.IO, "index.append", err)
	}
	return codedjerr.Wrap(codedjerr.IO, "index.append", idx.log.Sync())
}

// Get returns the id for key, if indexed.
func (idx *Indexer) Get(key string) (uint64, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	id, ok := idx.byKey[key]
	return id, ok
}

// GetOrCreate returns the existing id for key, or atomically allocates a
// new id by appending makeValue()'s payload to the underlying table,
// then records (key, id) in the indexer log. The per-key stripe lock
// makes the read-check-create sequence atomic for that key without
// blocking unrelated keys.
func (idx *Indexer) GetOrCreate(key string, makeValue func() []byte) (id uint64, isNew bool, err error) {
	s := &idx.stripes[stripe(key)]
	s.Lock()
	defer s.Unlock()

	if id, ok := idx.Get(key); ok {
		metrics.IndexLookupsTotal.WithLabelValues(idx.name, "hit").Inc()
		return id, false, nil
	}
	metrics.IndexLookupsTotal.WithLabelValues(idx.name, "miss").Inc()

	newID, err := idx.table.Append(nil, makeValue())
	if err != nil {
		return 0, false, err
	}
	if err := idx.appendLog(key, newID); err != nil {
		return 0, false, err
	}

	idx.mu.Lock()
	idx.byKey[key] = newID
	idx.mu.Unlock()

	return newID, true, nil
}

// Rebuild regenerates the indexer log from scratch by rescanning the
// underlying table and recomputing each record's key via keyFunc.
func (idx *Indexer) Rebuild(keyFunc KeyFunc) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	tmpPath := idx.logPath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return codedjerr.Wrap(codedjerr.IO, "index.rebuild", err)
	}

	fresh := make(map[string]uint64)
	it, err := idx.table.Iter()
	if err != nil {
		tmp.Close()
		return err
	}
	for {
		id, payload, ok, err := it.Next()
		if err != nil {
			it.Close()
			tmp.Close()
			return err
		}
		if !ok {
			break
		}
		key, ok := keyFunc(payload)
		if !ok {
			continue
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(key)))
		if _, err := tmp.Write(lenBuf[:]); err != nil {
			it.Close()
			tmp.Close()
			return codedjerr.Wrap(codedjerr.IO, "index.rebuild", err)
		}
		if _, err := tmp.Write([]byte(key)); err != nil {
			it.Close()
			tmp.Close()
			return codedjerr.Wrap(codedjerr.IO, "index.rebuild", err)
		}
		var idBuf [8]byte
		binary.LittleEndian.PutUint64(idBuf[:], id)
		if _, err := tmp.Write(idBuf[:]); err != nil {
			it.Close()
			tmp.Close()
			return codedjerr.Wrap(codedjerr.IO, "index.rebuild", err)
		}
		fresh[key] = id
	}
	it.Close()

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return codedjerr.Wrap(codedjerr.IO, "index.rebuild", err)
	}
	tmp.Close()
	idx.log.Close()
	if err := os.Rename(tmpPath, idx.logPath); err != nil {
		return codedjerr.Wrap(codedjerr.IO, "index.rebuild", err)
	}
	log, err := os.OpenFile(idx.logPath, os.O_RDWR, 0o644)
	if err != nil {
		return codedjerr.Wrap(codedjerr.IO, "index.rebuild", err)
	}
	idx.log = log
	idx.byKey = fresh
	return nil
}

// Close releases the indexer log's file handle.
func (idx *Indexer) Close() error {
	if err := idx.log.Close(); err != nil {
		return codedjerr.Wrap(codedjerr.IO, "index.close", err)
	}
	return nil
}
