package table

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"

	"github.com/cuemby/codedj/pkg/codedjerr"
)

// ReadOnly is a savepoint-pinned, read-only view of a table's data file.
// It maps the `.index` file into memory with mmap-go rather than copying
// every (id, offset) pair into a Go map, since a Read View may be opened
// over a sub-store far larger than is worth duplicating into the heap
// just to answer primary-key lookups — the dolthub/noms chunk store
// applies the same mmap-over-index-file trick for its table files.
//
// A ReadOnly is pinned to the byte lengths recorded by a savepoint: data
// past dataLimit and index entries past indexLimit are invisible, so
// concurrent writers appending to the same files never perturb it.
type ReadOnly struct {
	data       *os.File
	indexFile  *os.File
	indexMap   mmap.MMap
	dataLimit  int64
	indexLimit int64
}

// OpenReadOnly opens dir/name.{data,index} for reading, pinned at
// dataLimit/indexLimit bytes (as recorded by a savepoint, or the current
// file sizes for a "latest" view).
func OpenReadOnly(dir, name string, dataLimit, indexLimit int64) (*ReadOnly, error) {
	data, err := os.Open(filepath.Join(dir, name+".data"))
	if err != nil {
		return nil, codedjerr.Wrap(codedjerr.IO, "table.read_only.open", err)
	}
	indexFile, err := os.Open(filepath.Join(dir, name+".index"))
	if err != nil {
		data.Close()
		return nil, codedjerr.Wrap(codedjerr.IO, "table.read_only.open", err)
	}

	ro := &ReadOnly{data: data, indexFile: indexFile, dataLimit: dataLimit, indexLimit: indexLimit}

	if indexLimit > 0 {
		m, err := mmap.MapRegion(indexFile, int(indexLimit), mmap.RDONLY, 0, 0)
		if err != nil {
			data.Close()
			indexFile.Close()
			return nil, codedjerr.Wrap(codedjerr.IO, "table.read_only.mmap", err)
		}
		ro.indexMap = m
	}
	return ro, nil
}

// lookup performs a linear scan of the mapped index for id's last
// occurrence. Index entries are small (16 bytes) and sub-store indexers
// already provide O(1) key lookups for the hot paths; this primary-key
// fallback is used for the less frequent per-id navigation a Read View
// consumer performs.
func (ro *ReadOnly) lookup(id uint64) (offset int64, length uint32, ok bool) {
	n := int(ro.indexLimit) / indexEntrySize
	for i := n - 1; i >= 0; i-- {
		base := i * indexEntrySize
		entryID := binary.LittleEndian.Uint64(ro.indexMap[base : base+8])
		if entryID != id {
			continue
		}
		off := int64(binary.LittleEndian.Uint64(ro.indexMap[base+8 : base+16]))
		var header [headerSize]byte
		if _, err := ro.data.ReadAt(header[:], off); err != nil {
			return 0, 0, false
		}
		return off, binary.LittleEndian.Uint32(header[8:12]), true
	}
	return 0, 0, false
}

// Get returns the payload most recently appended for id, as of this
// view's pinned savepoint.
func (ro *ReadOnly) Get(id uint64) ([]byte, bool, error) {
	offset, length, ok := ro.lookup(id)
	if !ok {
		return nil, false, nil
	}
	buf := make([]byte, length)
	if length > 0 {
		if _, err := ro.data.ReadAt(buf, offset+headerSize); err != nil {
			return nil, false, codedjerr.Wrap(codedjerr.IO, "table.read_only.get", err)
		}
	}
	return buf, true, nil
}

// Iter walks records up to this view's pinned data length.
func (ro *ReadOnly) Iter() *ReadOnlyIterator {
	return &ReadOnlyIterator{ro: ro}
}

type ReadOnlyIterator struct {
	ro  *ReadOnly
	pos int64
}

func (it *ReadOnlyIterator) Next() (id uint64, payload []byte, ok bool, err error) {
	if it.pos+headerSize > it.ro.dataLimit {
		return 0, nil, false, nil
	}
	var header [headerSize]byte
	if _, err := it.ro.data.ReadAt(header[:], it.pos); err != nil {
		return 0, nil, false, codedjerr.Wrap(codedjerr.IO, "table.read_only.iter", err)
	}
	rid := binary.LittleEndian.Uint64(header[0:8])
	length := binary.LittleEndian.Uint32(header[8:12])
	if it.pos+headerSize+int64(length) > it.ro.dataLimit {
		return 0, nil, false, nil
	}
	buf := make([]byte, length)
	if length > 0 {
		if _, err := it.ro.data.ReadAt(buf, it.pos+headerSize); err != nil {
			return 0, nil, false, codedjerr.Wrap(codedjerr.IO, "table.read_only.iter", err)
		}
	}
	it.pos += headerSize + int64(length)
	return rid, buf, true, nil
}

// Close releases the mmap and file handles.
func (ro *ReadOnly) Close() error {
	var firstErr error
	if ro.indexMap != nil {
		if err := ro.indexMap.Unmap(); err != nil {
			firstErr = err
		}
	}
	if err := ro.data.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := ro.indexFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return codedjerr.Wrap(codedjerr.IO, "table.read_only.close", firstErr)
	}
	return nil
}
