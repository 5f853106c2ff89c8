// Package updater implements the Updater Worker: for one project update
// task it clones or fetches the repository, walks newly reachable
// commits, deduplicates users/paths/hashes/commits against the assigned
// sub-store, stores new blob contents, and records the terminal
// ProjectUpdateStatus.
package updater

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jpillora/backoff"

	"github.com/cuemby/codedj/pkg/codedjerr"
	"github.com/cuemby/codedj/pkg/credentials"
	"github.com/cuemby/codedj/pkg/datastore"
	"github.com/cuemby/codedj/pkg/log"
	"github.com/cuemby/codedj/pkg/metrics"
	"github.com/cuemby/codedj/pkg/substore"
)

const (
	defaultSubstore = "unassigned"
	maxRetries      = 3
)

// ContentsPolicy decides, per sub-store, whether a newly-sighted blob's
// bytes should be stored. The default policy (see New) stores
// everything under a size ceiling; callers may supply their own to match
// a sub-store's language-specific extension allowlist.
type ContentsPolicy func(path string, size int64) bool

// DefaultContentsPolicy stores any blob up to 8 MiB.
func DefaultContentsPolicy(_ string, size int64) bool {
	return size <= 8<<20
}

// LanguageDetector maps a clone's working tree to a primary-language
// sub-store name. A real deployment points this at an external
// linguist-equivalent classifier; codedj ships ExtensionLanguageDetector
// as a minimal stand-in and lets callers substitute their own.
type LanguageDetector func(workdir string) (string, bool)

// Worker updates one project at a time. It is safe to share a single
// Worker across goroutines: all of its state is read-only configuration,
// and every write path takes its sub-store's own write mutex via
// pkg/substore.
type Worker struct {
	ds             *datastore.Datastore
	credentials    *credentials.Pool
	clonesRoot     string
	contentsPolicy ContentsPolicy
	detectLanguage LanguageDetector
	commitTimeout  time.Duration
}

// Config bundles the collaborators a Worker needs.
type Config struct {
	Datastore        *datastore.Datastore
	Credentials      *credentials.Pool
	ClonesRoot       string
	ContentsPolicy   ContentsPolicy
	LanguageDetector LanguageDetector
	// CommitBatchTimeout bounds how long Update spends walking commits
	// for a single project before aborting the batch and recording a
	// partial status.
	CommitBatchTimeout time.Duration
}

// New returns a Worker ready to process tasks.
func New(cfg Config) *Worker {
	if cfg.ContentsPolicy == nil {
		cfg.ContentsPolicy = DefaultContentsPolicy
	}
	if cfg.LanguageDetector == nil {
		cfg.LanguageDetector = ExtensionLanguageDetector
	}
	if cfg.CommitBatchTimeout == 0 {
		cfg.CommitBatchTimeout = 30 * time.Minute
	}
	return &Worker{
		ds:             cfg.Datastore,
		credentials:    cfg.Credentials,
		clonesRoot:     cfg.ClonesRoot,
		contentsPolicy: cfg.ContentsPolicy,
		detectLanguage: cfg.LanguageDetector,
		commitTimeout:  cfg.CommitBatchTimeout,
	}
}

// Update performs one project's incremental refresh end to end,
// classifying failures as transient (retried with a fresh credential)
// or permanent (recorded and returned to the caller without panic).
// It never lets a panic cross its own goroutine boundary: a recovered
// panic is converted into a failed ProjectUpdateStatus so one bad
// project cannot take the process down.
func (w *Worker) Update(ctx context.Context, projectID uint64, force bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("updater: recovered panic: %v", r)
			w.recordStatus(projectID, substore.Failed, err.Error())
		}
	}()

	logger := log.WithProjectID(projectID)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ProjectUpdateDuration)

	project, ok, perr := w.ds.Project(projectID)
	if perr != nil {
		return perr
	}
	if !ok {
		return codedjerr.New(codedjerr.Integrity, "updater.update", nil, "no such project")
	}

	w.recordStatus(projectID, substore.InProgress, "")

	substoreName, hasSubstore, aerr := w.ds.AssignedSubstore(projectID)
	if aerr != nil {
		return aerr
	}
	if !hasSubstore {
		substoreName = defaultSubstore
	}
	ss, serr := w.ds.Substore(substoreName)
	if serr != nil {
		return serr
	}

	result, uerr := w.runWithRetry(ctx, projectID, project.URL, ss, force)
	if uerr != nil {
		outcome := substore.Failed
		if codedjerr.IsTransient(uerr) {
			logger.Warn().Err(uerr).Msg("update exhausted retries on a transient error")
		}
		w.recordStatus(projectID, outcome, uerr.Error())
		metrics.ProjectUpdatesTotal.WithLabelValues(string(outcome)).Inc()
		return uerr
	}

	outcome := substore.OK
	if result.timedOut {
		outcome = substore.Partial
	}
	detail := fmt.Sprintf("commits=%d heads=%d", result.newCommits, len(result.heads))
	if result.timedOut {
		detail += " (commit batch timeout)"
	}
	if conflict := w.applyDetectedLanguage(projectID, substoreName, result.workdir); conflict != "" {
		outcome = substore.Partial
		detail += " (" + conflict + ")"
	}
	w.recordStatus(projectID, outcome, detail)
	metrics.ProjectUpdatesTotal.WithLabelValues(string(outcome)).Inc()

	return nil
}

// applyDetectedLanguage runs the language detector over workdir and
// records the project's sub-store assignment. The update itself has
// already succeeded by the time this runs, so a project whose primary
// language is re-detected as different from its recorded sub-store is
// not failed: the conflict is returned as a detail string naming both
// sub-stores and the caller downgrades the terminal status to Partial.
func (w *Worker) applyDetectedLanguage(projectID uint64, recorded, workdir string) string {
	lang, detected := w.detectLanguage(workdir)
	if !detected {
		return ""
	}
	err := w.ds.AssignSubstore(projectID, lang)
	if err == nil {
		return ""
	}
	if kind, ok := codedjerr.KindOf(err); ok && kind == codedjerr.AssignmentConflict {
		return "assignment conflict: recorded sub-store " + recorded + ", detected " + lang
	}
	projectLogger := log.WithProjectID(projectID)
	projectLogger.Warn().Err(err).Str("language", lang).Msg("could not record detected sub-store assignment")
	return ""
}

func (w *Worker) recordStatus(projectID uint64, outcome substore.UpdateOutcome, detail string) {
	_ = w.ds.RecordUpdateStatus(projectID, substore.ProjectUpdateStatusRecord{
		Outcome:   outcome,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
}

type updateResult struct {
	newCommits int
	heads      []headRef
	workdir    string
	timedOut   bool
}

// runWithRetry wraps runOnce with the transient-error retry policy: up
// to maxRetries attempts, a fresh credential checked out per attempt,
// exponential backoff between attempts via jpillora/backoff.
func (w *Worker) runWithRetry(ctx context.Context, projectID uint64, url string, ss *substore.Substore, force bool) (updateResult, error) {
	b := &backoff.Backoff{Min: 2 * time.Second, Max: 2 * time.Minute, Factor: 2, Jitter: true}
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		token, err := w.credentials.Checkout(ctx)
		if err != nil {
			return updateResult{}, err
		}

		result, err := w.runOnce(ctx, projectID, url, token, ss, force)
		w.refreshQuota(ctx, token)
		w.credentials.Return(token)

		if err == nil {
			return result, nil
		}
		lastErr = err
		if !codedjerr.IsTransient(err) {
			return updateResult{}, err
		}
		metrics.GitRetriesTotal.WithLabelValues("transient").Inc()

		select {
		case <-ctx.Done():
			return updateResult{}, codedjerr.Wrap(codedjerr.Cancelled, "updater.retry", ctx.Err())
		case <-time.After(b.Duration()):
		}
	}
	return updateResult{}, lastErr
}

func (w *Worker) cloneDir(projectID uint64) string {
	return filepath.Join(w.clonesRoot, fmt.Sprintf("%d", projectID))
}
