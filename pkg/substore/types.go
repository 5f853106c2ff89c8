package substore

import (
	"time"

	"github.com/cuemby/codedj/pkg/codec"
)

// ChangeKind is the closed set of change kinds a CommitChanges entry
// can carry. The updater records a delete/add pair with identical blob
// contents as Renamed; it does no similarity detection, so Copied is
// decoded but never produced.
type ChangeKind uint8

const (
	Added ChangeKind = iota
	Modified
	Deleted
	Renamed
	Copied
)

// CommitRecord is the payload stored in the Commit table.
type CommitRecord struct {
	Hash          codec.Hash
	AuthorID      uint64
	CommitterID   uint64
	AuthorTime    time.Time
	CommitterTime time.Time
	Parents       []uint64
}

func (c CommitRecord) Encode() []byte {
	w := codec.NewWriter()
	w.WriteHash(c.Hash)
	w.WriteUint64(c.AuthorID)
	w.WriteUint64(c.CommitterID)
	w.WriteTime(c.AuthorTime)
	w.WriteTime(c.CommitterTime)
	w.WriteUint64Slice(c.Parents)
	return w.Bytes()
}

func DecodeCommit(b []byte) (CommitRecord, error) {
	r := codec.NewReader(b)
	c := CommitRecord{
		Hash:          r.ReadHash(),
		AuthorID:      r.ReadUint64(),
		CommitterID:   r.ReadUint64(),
		AuthorTime:    r.ReadTime(),
		CommitterTime: r.ReadTime(),
		Parents:       r.ReadUint64Slice(),
	}
	return c, r.Err()
}

// ChangeEntry is one path's change within a CommitChanges record.
type ChangeEntry struct {
	PathID    uint64
	Kind      ChangeKind
	Hash      codec.Hash // zero for Deleted
	OldPathID uint64     // set only for Renamed/Copied; 0 otherwise
}

// CommitChangesRecord is the payload stored in the CommitChanges table,
// keyed by commit id.
type CommitChangesRecord struct {
	Changes []ChangeEntry
}

func (r CommitChangesRecord) Encode() []byte {
	w := codec.NewWriter()
	w.WriteUint32(uint32(len(r.Changes)))
	for _, c := range r.Changes {
		w.WriteUint64(c.PathID)
		w.WriteUint32(uint32(c.Kind))
		w.WriteHash(c.Hash)
		w.WriteUint64(c.OldPathID)
	}
	return w.Bytes()
}

func DecodeCommitChanges(b []byte) (CommitChangesRecord, error) {
	rd := codec.NewReader(b)
	n := rd.ReadUint32()
	out := CommitChangesRecord{Changes: make([]ChangeEntry, 0, n)}
	for i := uint32(0); i < n; i++ {
		c := ChangeEntry{
			PathID: rd.ReadUint64(),
			Kind:   ChangeKind(rd.ReadUint32()),
			Hash:   rd.ReadHash(),
		}
		c.OldPathID = rd.ReadUint64()
		out.Changes = append(out.Changes, c)
	}
	return out, rd.Err()
}

// HashRecord is the payload stored in the Hash table. Its stored flag
// flips at most once, from absent to stored, via a second append (the
// Hash table runs in table.MultiValue mode so Get always returns the
// latest-written flag value).
type HashRecord struct {
	SHA    codec.Hash
	Stored bool
}

func (h HashRecord) Encode() []byte {
	w := codec.NewWriter()
	w.WriteHash(h.SHA)
	w.WriteBool(h.Stored)
	return w.Bytes()
}

func DecodeHash(b []byte) (HashRecord, error) {
	r := codec.NewReader(b)
	h := HashRecord{SHA: r.ReadHash(), Stored: r.ReadBool()}
	return h, r.Err()
}

// ProjectUpdateStatusRecord is the payload stored in the Datastore's
// ProjectUpdateStatus table (per-project, repeated appends).
type UpdateOutcome string

const (
	NeverUpdated UpdateOutcome = "never-updated"
	InProgress   UpdateOutcome = "in-progress"
	OK           UpdateOutcome = "ok"
	Partial      UpdateOutcome = "partial"
	Failed       UpdateOutcome = "failed"
)

type ProjectUpdateStatusRecord struct {
	Outcome   UpdateOutcome
	Detail    string
	Timestamp time.Time
}

func (s ProjectUpdateStatusRecord) Encode() []byte {
	w := codec.NewWriter()
	w.WriteString(string(s.Outcome))
	w.WriteString(s.Detail)
	w.WriteTime(s.Timestamp)
	return w.Bytes()
}

func DecodeProjectUpdateStatus(b []byte) (ProjectUpdateStatusRecord, error) {
	r := codec.NewReader(b)
	s := ProjectUpdateStatusRecord{
		Outcome:   UpdateOutcome(r.ReadString()),
		Detail:    r.ReadString(),
		Timestamp: r.ReadTime(),
	}
	return s, r.Err()
}

// ProjectHeadsRecord records one (branch, commit) pair per entry; a full
// heads snapshot is the set of entries sharing the same append batch, so
// callers encode the whole slice as one record.
type HeadRef struct {
	Branch   string
	CommitID uint64
}

type ProjectHeadsRecord struct {
	Heads     []HeadRef
	Timestamp time.Time
}

func (h ProjectHeadsRecord) Encode() []byte {
	w := codec.NewWriter()
	w.WriteUint32(uint32(len(h.Heads)))
	for _, ref := range h.Heads {
		w.WriteString(ref.Branch)
		w.WriteUint64(ref.CommitID)
	}
	w.WriteTime(h.Timestamp)
	return w.Bytes()
}

func DecodeProjectHeads(b []byte) (ProjectHeadsRecord, error) {
	r := codec.NewReader(b)
	n := r.ReadUint32()
	out := ProjectHeadsRecord{Heads: make([]HeadRef, 0, n)}
	for i := uint32(0); i < n; i++ {
		out.Heads = append(out.Heads, HeadRef{Branch: r.ReadString(), CommitID: r.ReadUint64()})
	}
	out.Timestamp = r.ReadTime()
	return out, r.Err()
}
