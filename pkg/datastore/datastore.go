// Package datastore implements the root of a codedj store: the global
// Projects table, the project→sub-store assignment table, the
// project-update-status and project-heads tables, the command log, the
// root folder lock, and the lazily-opened sub-stores it fronts.
package datastore

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/codedj/pkg/codedjerr"
	"github.com/cuemby/codedj/pkg/commandlog"
	"github.com/cuemby/codedj/pkg/index"
	"github.com/cuemby/codedj/pkg/lock"
	"github.com/cuemby/codedj/pkg/log"
	"github.com/cuemby/codedj/pkg/metrics"
	"github.com/cuemby/codedj/pkg/savepoint"
	"github.com/cuemby/codedj/pkg/substore"
	"github.com/cuemby/codedj/pkg/table"
)

const (
	tableProjects        = "projects"
	tableProjectSubstore = "project_substore"
	tableUpdateStatus    = "project_update_status"
	tableProjectHeads    = "project_heads"
)

// Datastore is one codedj datastore root: a locked directory holding the
// global tables plus every sub-store partition underneath it.
type Datastore struct {
	root       string
	storesRoot string

	folderLock *lock.FolderLock
	cmdLog     *commandlog.Log
	savepoints *savepoint.Store

	projects        *table.Table
	projectsByURL   *index.Indexer
	projectsByName  *index.Indexer
	projectSubstore *table.Table
	updateStatus    *table.Table
	projectHeads    *table.Table

	mu        sync.Mutex
	substores map[string]*substore.Substore
}

// Create initializes an empty datastore at root: the directory, the
// stamp file recording the codec version, and nothing else. Every table
// is created lazily by Open.
func Create(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return codedjerr.Wrap(codedjerr.IO, "datastore.create", err)
	}
	if _, err := os.Stat(filepath.Join(root, stampName)); err == nil {
		return codedjerr.New(codedjerr.Usage, "datastore.create", nil, "datastore already exists at "+root)
	}
	return writeStamp(root)
}

// Open acquires the root folder lock and opens every global table. force
// overrides a stale lock left by a crashed process.
func Open(root string, force bool) (*Datastore, error) {
	if err := checkStamp(root); err != nil {
		return nil, err
	}
	fl, err := lock.Acquire(root, force)
	if err != nil {
		return nil, err
	}

	d := &Datastore{
		root:       root,
		storesRoot: filepath.Join(root, "substores"),
		folderLock: fl,
		substores:  make(map[string]*substore.Substore),
	}

	closeAndReturn := func(err error) (*Datastore, error) {
		fl.Release()
		return nil, err
	}

	if d.projects, err = table.Open(root, tableProjects, table.SingleValue); err != nil {
		return closeAndReturn(err)
	}
	if d.projectsByURL, err = index.Open(root, "projects_by_url", d.projects, projectURLKeyFunc); err != nil {
		return closeAndReturn(err)
	}
	if d.projectsByName, err = index.Open(root, "projects_by_locator", d.projects, projectLocatorKeyFunc); err != nil {
		return closeAndReturn(err)
	}
	if d.projectSubstore, err = table.Open(root, tableProjectSubstore, table.SingleValue); err != nil {
		return closeAndReturn(err)
	}
	if d.updateStatus, err = table.Open(root, tableUpdateStatus, table.MultiValue); err != nil {
		return closeAndReturn(err)
	}
	if d.projectHeads, err = table.Open(root, tableProjectHeads, table.MultiValue); err != nil {
		return closeAndReturn(err)
	}
	if d.cmdLog, err = commandlog.Open(root); err != nil {
		return closeAndReturn(err)
	}
	if d.savepoints, err = savepoint.Open(filepath.Join(root, "savepoints")); err != nil {
		return closeAndReturn(err)
	}
	if err := os.MkdirAll(d.storesRoot, 0o755); err != nil {
		return closeAndReturn(codedjerr.Wrap(codedjerr.IO, "datastore.open", err))
	}

	return d, nil
}

func projectURLKeyFunc(payload []byte) (string, bool) {
	rec, err := DecodeProject(payload)
	if err != nil || rec.URL == "" {
		return "", false
	}
	return rec.URL, true
}

func projectLocatorKeyFunc(payload []byte) (string, bool) {
	rec, err := DecodeProject(payload)
	if err != nil || rec.Locator == "" {
		return "", false
	}
	return rec.Locator, true
}

// Root returns the datastore's root directory.
func (d *Datastore) Root() string { return d.root }

// CommandLog exposes the root command log, used by `codedj log`.
func (d *Datastore) CommandLog() *commandlog.Log { return d.cmdLog }

// Locked reports whether this process still holds the root lock.
func (d *Datastore) Locked() bool { return d.folderLock.Held() }

// AddResult tallies the outcome of an Add call.
type AddResult struct {
	Added, Skipped, Malformed int
}

// Add ingests either a single repository URL or a path to a CSV file
// with one URL per row (optionally under a "url" or "repo_url" header),
// normalizing and deduplicating against the Projects URL indexer.
func (d *Datastore) Add(input string) (AddResult, error) {
	correlation, _ := d.cmdLog.Begin("add", input)
	var result AddResult
	var opErr error
	defer func() {
		outcome := "ok"
		detail := ""
		if opErr != nil {
			outcome = "error"
			detail = opErr.Error()
		}
		d.cmdLog.Complete(correlation, "add", outcome, detail)
	}()

	if looksLikeURL(input) {
		added, err := d.addOne(input)
		if err != nil {
			opErr = err
			return result, err
		}
		if added {
			result.Added++
		} else {
			result.Skipped++
		}
		return result, nil
	}

	if _, err := os.Stat(input); err != nil {
		result.Malformed++
		return result, nil
	}
	r, err := d.addCSV(input)
	if err != nil {
		opErr = err
		return result, err
	}
	return r, nil
}

func (d *Datastore) addOne(raw string) (added bool, err error) {
	normalized, ok := normalizeURL(raw)
	if !ok {
		return false, nil
	}
	locator := locatorFromURL(normalized)
	_, isNew, err := d.projectsByURL.GetOrCreate(normalized, func() []byte {
		return ProjectRecord{URL: normalized, Locator: locator, AddedAt: time.Now().UTC()}.Encode()
	})
	if err != nil {
		return false, err
	}
	return isNew, nil
}

// urlColumnNames is the set of header names addCSV recognizes when
// probing a CSV's first row for the repository-URL column.
var urlColumnNames = map[string]bool{"url": true, "repo_url": true, "repository": true, "repository_url": true}

func (d *Datastore) addCSV(path string) (AddResult, error) {
	var result AddResult
	f, err := os.Open(path)
	if err != nil {
		return result, codedjerr.Wrap(codedjerr.IO, "datastore.add_csv", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return result, codedjerr.Wrap(codedjerr.IO, "datastore.add_csv", err)
	}
	if len(rows) == 0 {
		return result, nil
	}

	column := 0
	start := 0
	for i, field := range rows[0] {
		if urlColumnNames[strings.ToLower(strings.TrimSpace(field))] {
			column = i
			start = 1
			break
		}
	}
	if start == 0 {
		for i, field := range rows[0] {
			if looksLikeURL(field) {
				column = i
				break
			}
		}
	}

	for _, row := range rows[start:] {
		if column >= len(row) {
			result.Malformed++
			continue
		}
		if !looksLikeURL(row[column]) {
			result.Malformed++
			continue
		}
		added, err := d.addOne(row[column])
		if err != nil {
			return result, err
		}
		if added {
			result.Added++
		} else {
			result.Skipped++
		}
	}
	return result, nil
}

// ResolveProject resolves a CLI-provided project reference, which may be
// a decimal project id, a normalized repository URL, or an "owner/repo"
// locator, to a project id.
func (d *Datastore) ResolveProject(ref string) (uint64, error) {
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil {
		if _, ok, err := d.projects.Get(id); err != nil {
			return 0, err
		} else if ok {
			return id, nil
		}
	}
	if normalized, ok := normalizeURL(ref); ok {
		if id, ok := d.projectsByURL.Get(normalized); ok {
			return id, nil
		}
	}
	if id, ok := d.projectsByName.Get(ref); ok {
		return id, nil
	}
	// Projects added since Open are not yet in the locator indexer (Open's
	// reconcile indexes them), so fall back to a scan.
	ids, err := d.AllProjectIDs()
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		rec, ok, err := d.Project(id)
		if err != nil {
			return 0, err
		}
		if ok && rec.Locator == ref {
			return id, nil
		}
	}
	return 0, codedjerr.New(codedjerr.Usage, "datastore.resolve_project", nil, "no such project: "+ref)
}

// AllProjectIDs returns every known project id in ascending order, used
// by `codedj update-all` and ActiveProjects.
func (d *Datastore) AllProjectIDs() ([]uint64, error) {
	it, err := d.projects.Iter()
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var ids []uint64
	for {
		id, _, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Size returns the number of known projects.
func (d *Datastore) Size() int { return d.projects.Count() }

// Project returns the stored record for a project id.
func (d *Datastore) Project(id uint64) (ProjectRecord, bool, error) {
	payload, ok, err := d.projects.Get(id)
	if err != nil || !ok {
		return ProjectRecord{}, ok, err
	}
	rec, err := DecodeProject(payload)
	return rec, true, err
}

// LatestHeads returns the most recently recorded ProjectHeads snapshot
// for id, used by the Updater Worker to decide whether a project's refs
// changed since the last update.
func (d *Datastore) LatestHeads(id uint64) (substore.ProjectHeadsRecord, bool, error) {
	payload, ok, err := d.projectHeads.Get(id)
	if err != nil || !ok {
		return substore.ProjectHeadsRecord{}, ok, err
	}
	rec, err := substore.DecodeProjectHeads(payload)
	return rec, true, err
}

// RecordUpdateStatus appends a new ProjectUpdateStatus entry for id.
func (d *Datastore) RecordUpdateStatus(id uint64, rec substore.ProjectUpdateStatusRecord) error {
	_, err := d.updateStatus.Append(&id, rec.Encode())
	return err
}

// UpdateStatus returns the latest recorded status for id.
func (d *Datastore) UpdateStatus(id uint64) (substore.ProjectUpdateStatusRecord, bool, error) {
	payload, ok, err := d.updateStatus.Get(id)
	if err != nil || !ok {
		return substore.ProjectUpdateStatusRecord{}, ok, err
	}
	rec, err := substore.DecodeProjectUpdateStatus(payload)
	return rec, true, err
}

// RecordHeads appends a new ProjectHeads snapshot for id.
func (d *Datastore) RecordHeads(id uint64, rec substore.ProjectHeadsRecord) error {
	_, err := d.projectHeads.Append(&id, rec.Encode())
	return err
}

// ActiveProjects returns the ids of every project whose latest recorded
// update status falls within the last days days.
func (d *Datastore) ActiveProjects(days int) ([]uint64, error) {
	ids, err := d.AllProjectIDs()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	var out []uint64
	for _, id := range ids {
		rec, ok, err := d.UpdateStatus(id)
		if err != nil {
			return nil, err
		}
		if ok && rec.Timestamp.After(cutoff) {
			out = append(out, id)
		}
	}
	return out, nil
}

// AssignSubstore records that project id belongs to sub-store name. A
// project already assigned to a different sub-store is a conflict:
// codedj never silently moves a project's history between partitions.
//
// TODO: offline reassign-project maintenance command that rewrites the
// assignment and migrates the project's records between sub-stores.
func (d *Datastore) AssignSubstore(id uint64, name string) error {
	payload, ok, err := d.projectSubstore.Get(id)
	if err != nil {
		return err
	}
	if ok {
		existing, err := DecodeProjectSubstore(payload)
		if err != nil {
			return err
		}
		if existing.Substore != name {
			return codedjerr.New(codedjerr.AssignmentConflict, "datastore.assign_substore", nil,
				"project "+strconv.FormatUint(id, 10)+" is already assigned to sub-store "+existing.Substore+", refusing reassignment to "+name)
		}
		return nil
	}
	_, err = d.projectSubstore.Append(&id, ProjectSubstoreRecord{Substore: name}.Encode())
	return err
}

// AssignedSubstore returns the sub-store name a project is bound to, if
// any.
func (d *Datastore) AssignedSubstore(id uint64) (string, bool, error) {
	payload, ok, err := d.projectSubstore.Get(id)
	if err != nil || !ok {
		return "", ok, err
	}
	rec, err := DecodeProjectSubstore(payload)
	return rec.Substore, true, err
}

// Substore lazily opens (and loads) the named sub-store partition,
// caching the handle for reuse within this process.
func (d *Datastore) Substore(name string) (*substore.Substore, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.substores[name]; ok {
		return s, nil
	}
	s, err := substore.Open(d.storesRoot, name)
	if err != nil {
		return nil, err
	}
	if err := s.LoadAll(); err != nil {
		return nil, err
	}
	substoreLogger := log.WithSubstore(name)
	substoreLogger.Debug().Msg("opened sub-store")
	d.substores[name] = s
	return s, nil
}

// substoreNamesOnDisk lists every sub-store partition directory that
// exists under the datastore root, whether or not this process has
// opened it.
func (d *Datastore) substoreNamesOnDisk() ([]string, error) {
	entries, err := os.ReadDir(d.storesRoot)
	if err != nil {
		return nil, codedjerr.Wrap(codedjerr.IO, "datastore.list_substores", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Summary returns the project count and, per sub-store, its table record
// counts.
func (d *Datastore) Summary() (projectCount int, perSubstore map[string]map[string]int, err error) {
	projectCount = d.projects.Count()
	names, err := d.substoreNamesOnDisk()
	if err != nil {
		return 0, nil, err
	}
	metrics.ProjectsTotal.Set(float64(projectCount))
	perSubstore = make(map[string]map[string]int, len(names))
	for _, name := range names {
		s, err := d.Substore(name)
		if err != nil {
			return 0, nil, err
		}
		perSubstore[name] = s.RecordCounts()
		for tableName, n := range perSubstore[name] {
			metrics.SubstoreRecordsTotal.WithLabelValues(name, tableName).Set(float64(n))
		}
	}
	return projectCount, perSubstore, nil
}

func (d *Datastore) globalTables() []struct {
	name  string
	table *table.Table
} {
	return []struct {
		name  string
		table *table.Table
	}{
		{tableProjects, d.projects},
		{tableProjectSubstore, d.projectSubstore},
		{tableUpdateStatus, d.updateStatus},
		{tableProjectHeads, d.projectHeads},
	}
}

// CreateSavepoint records a consistent snapshot across the global tables
// and every currently-loaded sub-store. It is not a true distributed
// transaction: a failure partway through leaves earlier sub-stores with
// a savepoint already recorded under name, which is safe (a savepoint is
// just a marker) but means the caller should treat any error here as
// "retry with a fresh name" rather than assuming full rollback.
func (d *Datastore) CreateSavepoint(name string) error {
	correlation, _ := d.cmdLog.Begin("create-savepoint", name)

	fail := func(err error) error {
		d.cmdLog.Complete(correlation, "create-savepoint", "error", err.Error())
		return err
	}

	lengths := make(map[string]int64, 4)
	for _, t := range d.globalTables() {
		n, err := t.table.LenBytes()
		if err != nil {
			return fail(err)
		}
		lengths[t.name] = n
	}
	if _, err := d.savepoints.Create(name, lengths); err != nil {
		return fail(err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.substores {
		if _, err := s.CreateSavepoint(name); err != nil {
			return fail(err)
		}
	}
	d.cmdLog.Complete(correlation, "create-savepoint", "ok", "")
	return nil
}

// RevertToSavepoint truncates the global tables and every sub-store
// (loaded or not) to the byte lengths recorded under name. This is
// destructive, requires force to acknowledge, and must only run
// offline with no coordinator workers active. The command log itself is
// never truncated: a revert entry is appended recording what happened,
// so the log remains a complete history of every operation ever run
// against this root, including reverts.
func (d *Datastore) RevertToSavepoint(name string, force bool) error {
	if !force {
		return codedjerr.New(codedjerr.Usage, "datastore.revert", nil,
			"revert-to-savepoint is destructive; pass --force to confirm")
	}
	correlation, _ := d.cmdLog.Begin("revert-to-savepoint", name)

	rec, err := d.savepoints.Get(name)
	if err != nil {
		d.cmdLog.Complete(correlation, "revert-to-savepoint", "error", err.Error())
		return err
	}
	for _, t := range d.globalTables() {
		length, ok := rec.Lengths[t.name]
		if !ok {
			continue
		}
		if err := t.table.TruncateTo(length); err != nil {
			d.cmdLog.Complete(correlation, "revert-to-savepoint", "error", err.Error())
			return err
		}
	}
	if err := d.projectsByURL.Rebuild(projectURLKeyFunc); err != nil {
		d.cmdLog.Complete(correlation, "revert-to-savepoint", "error", err.Error())
		return err
	}
	if err := d.projectsByName.Rebuild(projectLocatorKeyFunc); err != nil {
		d.cmdLog.Complete(correlation, "revert-to-savepoint", "error", err.Error())
		return err
	}

	names, err := d.substoreNamesOnDisk()
	if err != nil {
		d.cmdLog.Complete(correlation, "revert-to-savepoint", "error", err.Error())
		return err
	}
	for _, sname := range names {
		s, err := d.Substore(sname)
		if err != nil {
			d.cmdLog.Complete(correlation, "revert-to-savepoint", "error", err.Error())
			return err
		}
		if err := s.RevertToSavepoint(name); err != nil {
			d.cmdLog.Complete(correlation, "revert-to-savepoint", "error", err.Error())
			return err
		}
	}

	d.cmdLog.Complete(correlation, "revert-to-savepoint", "ok", "reverted to "+name)
	return nil
}

// ListSavepoints returns the datastore-level savepoints, newest first.
func (d *Datastore) ListSavepoints() ([]savepoint.Record, error) {
	return d.savepoints.List()
}

// Close releases every open table, indexer, and the root lock. It should
// be called exactly once, when the process is done with the store.
func (d *Datastore) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	d.mu.Lock()
	for _, s := range d.substores {
		record(s.Close())
	}
	d.mu.Unlock()

	record(d.cmdLog.Close())
	record(d.projectHeads.Close())
	record(d.updateStatus.Close())
	record(d.projectSubstore.Close())
	record(d.projectsByName.Close())
	record(d.projectsByURL.Close())
	record(d.projects.Close())
	record(d.folderLock.Release())
	return firstErr
}
