// Package codec implements the stable binary serialization used by every
// table in the datastore. Every record type defines a write and a read
// side with the contract that read(write(v)) reproduces v bit-for-bit.
//
// Layout rules, applied uniformly:
//   - Fixed-width integers are little-endian.
//   - Byte strings are a 4-byte little-endian length prefix followed by
//     the raw bytes; there is no terminator and no padding.
//   - A Hash is exactly 20 bytes (SHA-1), written unprefixed.
//   - Composite records are the concatenation of their field encodings in
//     declared order. There are no alignment gaps and no self-describing
//     type tags: the table that owns a record knows its shape.
//
// Version stews the codec version into the datastore's stamp file
// (see pkg/datastore); an incompatible version refuses to open.
package codec

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/cuemby/codedj/pkg/codedjerr"
)

// Version is the current on-disk codec version. A store stamped with a
// different value cannot be opened; see checkStamp in pkg/datastore.
const Version uint32 = 1

// HashSize is the fixed width, in bytes, of a Hash value.
const HashSize = 20

// Hash is a 160-bit SHA-1 digest, used for commit ids, blob contents ids,
// and any other content-addressed key in the datastore.
type Hash [HashSize]byte

// SumHash computes the Hash of b.
func SumHash(b []byte) Hash {
	return Hash(sha1.Sum(b))
}

// String renders the hash as lowercase hex, matching `git` output.
func (h Hash) String() string {
	return fmt.Sprintf("%x", [HashSize]byte(h))
}

// IsZero reports whether h is the all-zero hash (used as an absent marker
// for optional hash fields such as CommitChanges' deleted-path entries).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Writer accumulates a single record's encoding. It never returns an
// error itself; errors are only possible when the underlying io.Writer
// that Bytes() is eventually written to fails, which callers detect via
// the normal write path.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

func (w *Writer) WriteUint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) WriteUint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) WriteInt64(v int64) {
	w.WriteUint64(uint64(v))
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *Writer) WriteBytes(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.buf.Write(b)
}

func (w *Writer) WriteString(s string) {
	w.WriteBytes([]byte(s))
}

func (w *Writer) WriteHash(h Hash) {
	w.buf.Write(h[:])
}

func (w *Writer) WriteTime(t time.Time) {
	w.WriteInt64(t.UnixNano())
}

func (w *Writer) WriteUint64Slice(vs []uint64) {
	w.WriteUint32(uint32(len(vs)))
	for _, v := range vs {
		w.WriteUint64(v)
	}
}

// Bytes returns the accumulated encoding.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Reader consumes a single record's encoding produced by a Writer.
type Reader struct {
	r   *bytes.Reader
	err error
}

// NewReader wraps b for sequential decoding.
func NewReader(b []byte) *Reader {
	return &Reader{r: bytes.NewReader(b)}
}

// Err returns the first error encountered during decoding, if any. Every
// Read* method is a no-op once Err is non-nil, so callers can chain reads
// and check Err once at the end.
func (r *Reader) Err() error { return r.err }

func (r *Reader) fail(op string, err error) {
	if r.err == nil {
		r.err = codedjerr.Wrap(codedjerr.Codec, op, err)
	}
}

func (r *Reader) ReadUint32() uint32 {
	if r.err != nil {
		return 0
	}
	var b [4]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		r.fail("read_uint32", err)
		return 0
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (r *Reader) ReadUint64() uint64 {
	if r.err != nil {
		return 0
	}
	var b [8]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		r.fail("read_uint64", err)
		return 0
	}
	return binary.LittleEndian.Uint64(b[:])
}

func (r *Reader) ReadInt64() int64 {
	return int64(r.ReadUint64())
}

func (r *Reader) ReadBool() bool {
	if r.err != nil {
		return false
	}
	b, err := r.r.ReadByte()
	if err != nil {
		r.fail("read_bool", err)
		return false
	}
	return b != 0
}

func (r *Reader) ReadBytes() []byte {
	if r.err != nil {
		return nil
	}
	n := r.ReadUint32()
	if r.err != nil {
		return nil
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r.r, b); err != nil {
			r.fail("read_bytes", err)
			return nil
		}
	}
	return b
}

func (r *Reader) ReadString() string {
	return string(r.ReadBytes())
}

func (r *Reader) ReadHash() Hash {
	var h Hash
	if r.err != nil {
		return h
	}
	if _, err := io.ReadFull(r.r, h[:]); err != nil {
		r.fail("read_hash", err)
	}
	return h
}

func (r *Reader) ReadTime() time.Time {
	return time.Unix(0, r.ReadInt64()).UTC()
}

func (r *Reader) ReadUint64Slice() []uint64 {
	if r.err != nil {
		return nil
	}
	n := r.ReadUint32()
	if r.err != nil {
		return nil
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = r.ReadUint64()
	}
	return out
}
