package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EditsApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonemap_edits_applied_total",
		Help: "Zone edits appended to the ledger and applied in memory",
	})
	EditFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zonemap_edit_failures_total",
		Help: "Rejected or failed zone edits by reason",
	}, []string{"reason"})
	LedgerAppendMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "zonemap_ledger_append_ms",
		Help:    "Durable ledger append latency in milliseconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 50, 100, 250, 1000},
	})
	SnapshotPersists = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonemap_snapshot_persists_total",
		Help: "Snapshots written to disk",
	})
	SnapshotPersistFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonemap_snapshot_persist_failures_total",
		Help: "Snapshot writes that failed and will be retried",
	})
	BackupsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonemap_backups_created_total",
		Help: "Backup archives created",
	})
	BackupsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonemap_backups_pruned_total",
		Help: "Backup archives removed by retention",
	})
	ReconcileSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonemap_reconcile_skipped_entries_total",
		Help: "Ledger entries skipped because their municipality is unknown",
	})
	DatasetVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zonemap_dataset_version",
		Help: "Version of the live dataset",
	})
	NotificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonemap_notifications_dropped_total",
		Help: "Change notifications dropped because a buffer was full",
	})
	Reloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zonemap_reloads_total",
		Help: "Dataset reloads by outcome",
	}, []string{"outcome"})
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zonemap_http_requests_total",
		Help: "Requests served by the operations listener",
	}, []string{"path", "status"})
)

func init() {
	prometheus.MustRegister(EditsApplied)
	prometheus.MustRegister(EditFailures)
	prometheus.MustRegister(LedgerAppendMs)
	prometheus.MustRegister(SnapshotPersists)
	prometheus.MustRegister(SnapshotPersistFailures)
	prometheus.MustRegister(BackupsCreated)
	prometheus.MustRegister(BackupsPruned)
	prometheus.MustRegister(ReconcileSkipped)
	prometheus.MustRegister(DatasetVersion)
	prometheus.MustRegister(NotificationsDropped)
	prometheus.MustRegister(Reloads)
	prometheus.MustRegister(HTTPRequests)
}

// Handler exposes the registered series for scraping.
func Handler() http.Handler { return promhttp.Handler() }
