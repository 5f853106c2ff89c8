// Package table implements the append-only table primitive: a pair of
// files (`<name>.data`, `<name>.index`) recording (id, payload) pairs in
// write order, plus an in-memory id→offset map rebuildable from the data
// file alone.
//
// Record layout in `.data`: for each append, an 8-byte little-endian
// record id, a 4-byte little-endian payload length, then the payload
// bytes. `.index` is a parallel stream of 8-byte id + 8-byte offset
// pairs, one per append, pointing at the start of the corresponding
// `.data` record.
//
// Crash protocol: the data file is the source of truth. On Open, a torn
// tail (a partial record at end-of-file, the result of a kill mid-write)
// is truncated away before anything else happens. The index is then
// checked against the data file's record count and silently rebuilt if
// it disagrees — this is cheap because rebuilding only requires a
// sequential scan of `.data`.
package table

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/codedj/pkg/codedjerr"
	"github.com/cuemby/codedj/pkg/metrics"
)

const (
	headerSize     = 8 + 4 // id + length
	indexEntrySize = 8 + 8 // id + offset
)

// Mode distinguishes tables that accept at most one payload per id from
// tables that accept repeated appends for the same id (the latest
// appended payload is what Get returns; GetAll returns the full history).
type Mode int

const (
	// SingleValue tables (Commit, Path, User, CommitMessage,
	// CommitChanges, Contents, ProjectSubstore) reject a second append
	// for an id already present.
	SingleValue Mode = iota
	// MultiValue tables (ProjectUpdateStatus, ProjectHeads, Hash) allow
	// repeated appends against the same id.
	MultiValue
)

type record struct {
	id     uint64
	offset int64
	length uint32
}

// Table is one append-only (data, index) file pair.
type Table struct {
	dir, name string
	mode      Mode

	mu     sync.RWMutex
	data   *os.File
	index  *os.File
	nextID uint64
	byID   map[uint64][]record
}

// Open opens or creates the table pair under dir named name, repairing a
// torn tail and rebuilding the index if it doesn't match the data file.
func Open(dir, name string, mode Mode) (*Table, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, codedjerr.Wrap(codedjerr.IO, "table.open", err)
	}
	dataPath := filepath.Join(dir, name+".data")
	data, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, codedjerr.Wrap(codedjerr.IO, "table.open", err)
	}

	records, err := repairAndScan(data)
	if err != nil {
		data.Close()
		return nil, err
	}

	indexPath := filepath.Join(dir, name+".index")
	index, err := os.OpenFile(indexPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		data.Close()
		return nil, codedjerr.Wrap(codedjerr.IO, "table.open", err)
	}

	t := &Table{dir: dir, name: name, mode: mode, data: data, index: index}
	t.byID = make(map[uint64][]record, len(records))
	var maxID uint64
	var sawAny bool
	for _, r := range records {
		t.byID[r.id] = append(t.byID[r.id], r)
		if !sawAny || r.id >= maxID {
			maxID = r.id
			sawAny = true
		}
	}
	if sawAny {
		t.nextID = maxID + 1
	}

	if !indexMatches(index, records) {
		if err := t.rebuildIndexLocked(records); err != nil {
			data.Close()
			index.Close()
			return nil, err
		}
	}

	return t, nil
}

// repairAndScan scans the data file sequentially, truncating a torn tail
// (a partial record at EOF) before returning the well-formed records.
func repairAndScan(f *os.File) ([]record, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, codedjerr.Wrap(codedjerr.IO, "table.scan", err)
	}

	var records []record
	var pos int64
	header := make([]byte, headerSize)
	for pos < size {
		if size-pos < headerSize {
			break // torn header
		}
		if _, err := f.ReadAt(header, pos); err != nil {
			return nil, codedjerr.Wrap(codedjerr.IO, "table.scan", err)
		}
		id := binary.LittleEndian.Uint64(header[0:8])
		length := binary.LittleEndian.Uint32(header[8:12])
		recEnd := pos + headerSize + int64(length)
		if recEnd > size {
			break // torn payload
		}
		records = append(records, record{id: id, offset: pos, length: length})
		pos = recEnd
	}

	if pos != size {
		if err := f.Truncate(pos); err != nil {
			return nil, codedjerr.Wrap(codedjerr.IO, "table.scan", err)
		}
	}
	return records, nil
}

func indexMatches(index *os.File, records []record) bool {
	size, err := index.Seek(0, io.SeekEnd)
	if err != nil {
		return false
	}
	if size != int64(len(records))*indexEntrySize {
		return false
	}
	if len(records) == 0 {
		return true
	}
	var last [indexEntrySize]byte
	if _, err := index.ReadAt(last[:], size-indexEntrySize); err != nil {
		return false
	}
	id := binary.LittleEndian.Uint64(last[0:8])
	offset := int64(binary.LittleEndian.Uint64(last[8:16]))
	want := records[len(records)-1]
	return id == want.id && offset == want.offset
}

// rebuildIndexLocked regenerates the .index file from records via a
// write-then-rename so a crash mid-rebuild never leaves a torn index.
func (t *Table) rebuildIndexLocked(records []record) error {
	tmpPath := filepath.Join(t.dir, t.name+".index.tmp")
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return codedjerr.Wrap(codedjerr.IO, "table.rebuild_index", err)
	}
	buf := make([]byte, indexEntrySize)
	for _, r := range records {
		binary.LittleEndian.PutUint64(buf[0:8], r.id)
		binary.LittleEndian.PutUint64(buf[8:16], uint64(r.offset))
		if _, err := tmp.Write(buf); err != nil {
			tmp.Close()
			return codedjerr.Wrap(codedjerr.IO, "table.rebuild_index", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return codedjerr.Wrap(codedjerr.IO, "table.rebuild_index", err)
	}
	tmp.Close()

	indexPath := filepath.Join(t.dir, t.name+".index")
	if t.index != nil {
		t.index.Close()
	}
	if err := os.Rename(tmpPath, indexPath); err != nil {
		return codedjerr.Wrap(codedjerr.IO, "table.rebuild_index", err)
	}
	index, err := os.OpenFile(indexPath, os.O_RDWR, 0o644)
	if err != nil {
		return codedjerr.Wrap(codedjerr.IO, "table.rebuild_index", err)
	}
	t.index = index
	return nil
}

// RebuildIndex forces a full index rebuild from the data file. The
// resulting file is byte-identical to one produced by an uninterrupted
// sequence of appends, since rebuilding replays the same records in the
// same order.
func (t *Table) RebuildIndex() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	records, err := repairAndScan(t.data)
	if err != nil {
		return err
	}
	return t.rebuildIndexLocked(records)
}

// Append writes payload for id, or for the next auto-assigned id if id
// is nil, and returns the id used. SingleValue tables reject a second
// append against an id that already has a record.
func (t *Table) Append(id *uint64, payload []byte) (uint64, error) {
	appendStart := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	var actualID uint64
	if id == nil {
		actualID = t.nextID
		t.nextID++
	} else {
		actualID = *id
		if t.mode == SingleValue {
			if _, exists := t.byID[actualID]; exists {
				return 0, codedjerr.New(codedjerr.Integrity, "table.append", nil,
					"single-value table already has a record for this id")
			}
		}
		if actualID >= t.nextID {
			t.nextID = actualID + 1
		}
	}

	offset, err := t.data.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, codedjerr.Wrap(codedjerr.IO, "table.append", err)
	}

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(header[0:8], actualID)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := t.data.Write(header); err != nil {
		return 0, codedjerr.Wrap(codedjerr.IO, "table.append", err)
	}
	if len(payload) > 0 {
		if _, err := t.data.Write(payload); err != nil {
			return 0, codedjerr.Wrap(codedjerr.IO, "table.append", err)
		}
	}
	if err := t.data.Sync(); err != nil {
		return 0, codedjerr.Wrap(codedjerr.IO, "table.append", err)
	}

	var idxBuf [indexEntrySize]byte
	binary.LittleEndian.PutUint64(idxBuf[0:8], actualID)
	binary.LittleEndian.PutUint64(idxBuf[8:16], uint64(offset))
	if _, err := t.index.Write(idxBuf[:]); err != nil {
		return 0, codedjerr.Wrap(codedjerr.IO, "table.append", err)
	}
	if err := t.index.Sync(); err != nil {
		return 0, codedjerr.Wrap(codedjerr.IO, "table.append", err)
	}

	t.byID[actualID] = append(t.byID[actualID], record{id: actualID, offset: offset, length: uint32(len(payload))})
	metrics.AppendedRecordsTotal.WithLabelValues(t.name).Inc()
	metrics.AppendDuration.WithLabelValues(t.name).Observe(time.Since(appendStart).Seconds())
	return actualID, nil
}

func (t *Table) readAt(r record) ([]byte, error) {
	buf := make([]byte, r.length)
	if r.length > 0 {
		if _, err := t.data.ReadAt(buf, r.offset+headerSize); err != nil {
			return nil, codedjerr.Wrap(codedjerr.IO, "table.get", err)
		}
	}
	return buf, nil
}

// Get returns the most recently appended payload for id.
func (t *Table) Get(id uint64) ([]byte, bool, error) {
	t.mu.RLock()
	recs, ok := t.byID[id]
	t.mu.RUnlock()
	if !ok || len(recs) == 0 {
		return nil, false, nil
	}
	payload, err := t.readAt(recs[len(recs)-1])
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

// GetAll returns every payload appended for id, in append order.
func (t *Table) GetAll(id uint64) ([][]byte, error) {
	t.mu.RLock()
	recs := append([]record(nil), t.byID[id]...)
	t.mu.RUnlock()
	out := make([][]byte, 0, len(recs))
	for _, r := range recs {
		payload, err := t.readAt(r)
		if err != nil {
			return nil, err
		}
		out = append(out, payload)
	}
	return out, nil
}

// Count returns the number of distinct ids with at least one record.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// NextID returns the id that the next auto-assigned Append will use.
func (t *Table) NextID() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextID
}

// LenBytes returns the current byte length of the data file, as recorded
// by a savepoint.
func (t *Table) LenBytes() (int64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fi, err := t.data.Stat()
	if err != nil {
		return 0, codedjerr.Wrap(codedjerr.IO, "table.len_bytes", err)
	}
	return fi.Size(), nil
}

// IndexLengthForDataLength returns the index byte length that pins the
// same savepoint as dataLength: one index entry per whole record found by
// scanning dir/name+".data" up to dataLength. A Read View uses this to
// translate a savepoint's recorded data length into the matching mmap
// bound over the index file, since savepoints only record data lengths.
func IndexLengthForDataLength(dir, name string, dataLength int64) (int64, error) {
	f, err := os.Open(filepath.Join(dir, name+".data"))
	if err != nil {
		return 0, codedjerr.Wrap(codedjerr.IO, "table.index_length_for_data_length", err)
	}
	defer f.Close()

	var pos int64
	var count int64
	header := make([]byte, headerSize)
	for pos+headerSize <= dataLength {
		if _, err := f.ReadAt(header, pos); err != nil {
			break
		}
		length := binary.LittleEndian.Uint32(header[8:12])
		recEnd := pos + headerSize + int64(length)
		if recEnd > dataLength {
			break
		}
		pos = recEnd
		count++
	}
	return count * indexEntrySize, nil
}

// TruncateTo truncates the data file to length bytes and rebuilds the
// in-memory offsets and the index file to match. It is used only by
// savepoint revert, under the root lock with all workers stopped.
func (t *Table) TruncateTo(length int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.data.Truncate(length); err != nil {
		return codedjerr.Wrap(codedjerr.IO, "table.truncate", err)
	}
	records, err := repairAndScan(t.data)
	if err != nil {
		return err
	}

	t.byID = make(map[uint64][]record, len(records))
	var maxID uint64
	var sawAny bool
	for _, r := range records {
		t.byID[r.id] = append(t.byID[r.id], r)
		if !sawAny || r.id >= maxID {
			maxID = r.id
			sawAny = true
		}
	}
	t.nextID = 0
	if sawAny {
		t.nextID = maxID + 1
	}
	return t.rebuildIndexLocked(records)
}

// Iterator walks a table's records in append order.
type Iterator struct {
	t    *Table
	f    *os.File
	pos  int64
	size int64
}

// Iter opens an independent read handle over the table's current data
// file so concurrent appends never perturb an in-progress iteration.
func (t *Table) Iter() (*Iterator, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	f, err := os.Open(filepath.Join(t.dir, t.name+".data"))
	if err != nil {
		return nil, codedjerr.Wrap(codedjerr.IO, "table.iter", err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, codedjerr.Wrap(codedjerr.IO, "table.iter", err)
	}
	return &Iterator{t: t, f: f, size: fi.Size()}, nil
}

// Next returns the next (id, payload) pair, or ok=false at end of stream.
func (it *Iterator) Next() (id uint64, payload []byte, ok bool, err error) {
	if it.pos+headerSize > it.size {
		return 0, nil, false, nil
	}
	header := make([]byte, headerSize)
	if _, err := it.f.ReadAt(header, it.pos); err != nil {
		return 0, nil, false, codedjerr.Wrap(codedjerr.IO, "table.iter", err)
	}
	rid := binary.LittleEndian.Uint64(header[0:8])
	length := binary.LittleEndian.Uint32(header[8:12])
	if it.pos+headerSize+int64(length) > it.size {
		return 0, nil, false, nil
	}
	buf := make([]byte, length)
	if length > 0 {
		if _, err := it.f.ReadAt(buf, it.pos+headerSize); err != nil {
			return 0, nil, false, codedjerr.Wrap(codedjerr.IO, "table.iter", err)
		}
	}
	it.pos += headerSize + int64(length)
	return rid, buf, true, nil
}

// Close releases the iterator's file handle.
func (it *Iterator) Close() error {
	return it.f.Close()
}

// Close closes the table's file handles.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	if err := t.data.Close(); err != nil {
		firstErr = err
	}
	if err := t.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return codedjerr.Wrap(codedjerr.IO, "table.close", firstErr)
	}
	return nil
}
