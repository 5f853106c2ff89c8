// Package lock implements the folder lock that enforces codedj's
// single-writer design: exactly one process may hold write access to a
// datastore root or sub-store directory at a time.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/codedj/pkg/codedjerr"
)

const sentinelName = ".lock"

// holder is the process identity written into the sentinel file.
type holder struct {
	PID      int       `json:"pid"`
	Hostname string    `json:"hostname"`
	Acquired time.Time `json:"acquired"`
}

// FolderLock is a scoped exclusive acquisition of a single directory.
type FolderLock struct {
	dir  string
	path string
}

// Acquire creates the sentinel file for dir. If one already exists,
// Acquire fails with a codedjerr.Lock error unless force is true, in
// which case the stale sentinel is overwritten.
func Acquire(dir string, force bool) (*FolderLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, codedjerr.Wrap(codedjerr.IO, "lock.acquire", err)
	}
	path := filepath.Join(dir, sentinelName)

	flags := os.O_CREATE | os.O_WRONLY | os.O_EXCL
	if force {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, codedjerr.New(codedjerr.Lock, "lock.acquire", err,
				fmt.Sprintf("%s is already locked (use --force to override)", dir))
		}
		return nil, codedjerr.Wrap(codedjerr.IO, "lock.acquire", err)
	}
	defer f.Close()

	hostname, _ := os.Hostname()
	h := holder{PID: os.Getpid(), Hostname: hostname, Acquired: time.Now().UTC()}
	enc := json.NewEncoder(f)
	if err := enc.Encode(h); err != nil {
		os.Remove(path)
		return nil, codedjerr.Wrap(codedjerr.IO, "lock.acquire", err)
	}

	return &FolderLock{dir: dir, path: path}, nil
}

// Held reports whether the sentinel this lock wrote is still present and
// still names this process. pkg/datastore exposes it as
// Datastore.Locked; its write operations do not call it before
// appending.
func (l *FolderLock) Held() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}
	var h holder
	if err := json.Unmarshal(data, &h); err != nil {
		return false
	}
	return h.PID == os.Getpid()
}

// Release removes the sentinel file, relinquishing the lock.
func (l *FolderLock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return codedjerr.Wrap(codedjerr.IO, "lock.release", err)
	}
	return nil
}

// Dir returns the locked directory.
func (l *FolderLock) Dir() string { return l.dir }
