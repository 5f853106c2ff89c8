package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Datastore size metrics
	ProjectsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codedj_projects_total",
			Help: "Total number of known projects",
		},
	)

	SubstoreRecordsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "codedj_substore_records_total",
			Help: "Total number of records in a sub-store by table name",
		},
		[]string{"substore", "table"},
	)

	SavepointsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codedj_savepoints_total",
			Help: "Total number of savepoints recorded",
		},
	)

	// Append/index throughput
	AppendedRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codedj_appended_records_total",
			Help: "Total number of records appended, by table name",
		},
		[]string{"table"},
	)

	AppendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codedj_append_duration_seconds",
			Help:    "Time taken to append a record to a table",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	IndexLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codedj_index_lookups_total",
			Help: "Total number of indexer get/get_or_create calls by outcome",
		},
		[]string{"index", "outcome"},
	)

	// Update queue / coordinator metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codedj_update_queue_depth",
			Help: "Number of update tasks currently queued",
		},
	)

	WorkersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codedj_coordinator_workers_busy",
			Help: "Number of updater worker goroutines currently processing a project",
		},
	)

	ProjectUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codedj_project_updates_total",
			Help: "Total number of completed project updates by outcome",
		},
		[]string{"outcome"},
	)

	ProjectUpdateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "codedj_project_update_duration_seconds",
			Help:    "Time taken to update a single project end to end",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Credential pool metrics
	CredentialPoolExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codedj_credential_pool_exhausted_total",
			Help: "Total number of times the credential pool had no token with remaining requests",
		},
	)

	CredentialWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "codedj_credential_wait_duration_seconds",
			Help:    "Time a worker spent blocked waiting for a token to regain quota",
			Buckets: prometheus.DefBuckets,
		},
	)

	CredentialsRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "codedj_credential_remaining_requests",
			Help: "Remaining GitHub API requests for a token, by token fingerprint",
		},
		[]string{"token_fingerprint"},
	)

	// Git operation metrics
	GitFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "codedj_git_fetch_duration_seconds",
			Help:    "Time taken to clone or fetch a repository",
			Buckets: prometheus.DefBuckets,
		},
	)

	GitRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codedj_git_retries_total",
			Help: "Total number of retried git operations by classification",
		},
		[]string{"classification"},
	)

	CommitsProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codedj_commits_processed_total",
			Help: "Total number of commits processed across all updates",
		},
	)

	ContentsDedupedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codedj_contents_deduped_total",
			Help: "Total number of blob contents skipped because they were already present",
		},
	)
)

func init() {
	prometheus.MustRegister(ProjectsTotal)
	prometheus.MustRegister(SubstoreRecordsTotal)
	prometheus.MustRegister(SavepointsTotal)

	prometheus.MustRegister(AppendedRecordsTotal)
	prometheus.MustRegister(AppendDuration)
	prometheus.MustRegister(IndexLookupsTotal)

	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(WorkersBusy)
	prometheus.MustRegister(ProjectUpdatesTotal)
	prometheus.MustRegister(ProjectUpdateDuration)

	prometheus.MustRegister(CredentialPoolExhaustedTotal)
	prometheus.MustRegister(CredentialWaitDuration)
	prometheus.MustRegister(CredentialsRemaining)

	prometheus.MustRegister(GitFetchDuration)
	prometheus.MustRegister(GitRetriesTotal)
	prometheus.MustRegister(CommitsProcessedTotal)
	prometheus.MustRegister(ContentsDedupedTotal)
}

// Handler returns the Prometheus HTTP handler, which the codedj CLI
// serves on --metrics-addr when that flag is set.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
