package datastore

import (
	"time"

	"github.com/cuemby/codedj/pkg/codec"
)

// ProjectRecord is the payload stored in the global Projects table,
// keyed by project id and indexed by its normalized URL.
type ProjectRecord struct {
	URL     string
	Locator string // "owner/repo"-style path segment of URL, used for name lookups
	AddedAt time.Time
}

func (p ProjectRecord) Encode() []byte {
	w := codec.NewWriter()
	w.WriteString(p.URL)
	w.WriteString(p.Locator)
	w.WriteTime(p.AddedAt)
	return w.Bytes()
}

func DecodeProject(b []byte) (ProjectRecord, error) {
	r := codec.NewReader(b)
	p := ProjectRecord{
		URL:     r.ReadString(),
		Locator: r.ReadString(),
		AddedAt: r.ReadTime(),
	}
	return p, r.Err()
}

// ProjectSubstoreRecord is the payload stored in the ProjectSubstore
// assignment table, keyed by project id. Once written it is immutable:
// reassigning a project to a different sub-store is refused with
// codedjerr.AssignmentConflict.
type ProjectSubstoreRecord struct {
	Substore string
}

func (p ProjectSubstoreRecord) Encode() []byte {
	w := codec.NewWriter()
	w.WriteString(p.Substore)
	return w.Bytes()
}

func DecodeProjectSubstore(b []byte) (ProjectSubstoreRecord, error) {
	r := codec.NewReader(b)
	p := ProjectSubstoreRecord{Substore: r.ReadString()}
	return p, r.Err()
}
