// Package commandlog implements the datastore's append-only record of
// every write-bearing command: a begin entry recorded before the work
// starts, and a completion entry recorded when it finishes, linked by a
// correlation id so `codedj log` can pair them back up.
package commandlog

import (
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/codedj/pkg/codec"
	"github.com/cuemby/codedj/pkg/table"
)

type Phase string

const (
	Begin    Phase = "begin"
	Complete Phase = "complete"
)

// Entry is one row of the command log.
type Entry struct {
	CorrelationID string
	Op            string
	Args          string
	Phase         Phase
	Outcome       string // "", "ok", or "error"; only meaningful on Complete
	Detail        string
	Timestamp     time.Time
}

func (e Entry) Encode() []byte {
	w := codec.NewWriter()
	w.WriteString(e.CorrelationID)
	w.WriteString(e.Op)
	w.WriteString(e.Args)
	w.WriteString(string(e.Phase))
	w.WriteString(e.Outcome)
	w.WriteString(e.Detail)
	w.WriteTime(e.Timestamp)
	return w.Bytes()
}

func Decode(b []byte) (Entry, error) {
	r := codec.NewReader(b)
	e := Entry{
		CorrelationID: r.ReadString(),
		Op:            r.ReadString(),
		Args:          r.ReadString(),
		Phase:         Phase(r.ReadString()),
		Outcome:       r.ReadString(),
		Detail:        r.ReadString(),
		Timestamp:     r.ReadTime(),
	}
	return e, r.Err()
}

// Log is the append-only command log backing `<root>/command_log`.
type Log struct {
	table *table.Table
}

func Open(dir string) (*Log, error) {
	t, err := table.Open(dir, "command_log", table.SingleValue)
	if err != nil {
		return nil, err
	}
	return &Log{table: t}, nil
}

// Begin appends a begin entry for op and returns a correlation id to
// pass to Complete.
func (l *Log) Begin(op, args string) (string, error) {
	id := uuid.New().String()
	_, err := l.table.Append(nil, Entry{
		CorrelationID: id,
		Op:            op,
		Args:          args,
		Phase:         Begin,
		Timestamp:     time.Now().UTC(),
	}.Encode())
	return id, err
}

// Complete appends the terminal entry for a prior Begin.
func (l *Log) Complete(correlationID, op, outcome, detail string) error {
	_, err := l.table.Append(nil, Entry{
		CorrelationID: correlationID,
		Op:            op,
		Phase:         Complete,
		Outcome:       outcome,
		Detail:        detail,
		Timestamp:     time.Now().UTC(),
	}.Encode())
	return err
}

// All returns every entry in append order, for `codedj log`.
func (l *Log) All() ([]Entry, error) {
	it, err := l.table.Iter()
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []Entry
	for {
		_, payload, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		e, err := Decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *Log) Close() error { return l.table.Close() }
