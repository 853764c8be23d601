package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncRuns counts account sync runs by outcome: ok, failed, skipped.
	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_sync_runs_total",
			Help: "Account sync runs by outcome",
		},
		[]string{"status"},
	)

	EmailsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailflow_emails_ingested_total",
			Help: "Emails inserted by the sync engine",
		},
	)

	// Categorizations counts gate decisions: categorized, skipped, failed.
	Categorizations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_categorizations_total",
			Help: "Categorization gate outcomes",
		},
		[]string{"outcome"},
	)

	ClassifierLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailflow_classifier_latency_seconds",
			Help:    "Classifier call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"provider", "status"},
	)

	EmailsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailflow_emails_purged_total",
			Help: "Emails deleted by the retention purger",
		},
	)

	DigestsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailflow_digests_sent_total",
			Help: "Digest messages accepted by SMTP",
		},
	)

	// DigestUsers counts users by digest run outcome: ok, failed.
	DigestUsers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailflow_digest_users_total",
			Help: "Users processed by the digest composer",
		},
		[]string{"status"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailflow_job_duration_seconds",
			Help:    "Triggered job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5min
		},
		[]string{"job", "status"},
	)
)

// RecordSyncRun increments the sync run counter.
func RecordSyncRun(status string) {
	SyncRuns.WithLabelValues(status).Inc()
}

// RecordIngested adds n to the ingested email counter.
func RecordIngested(n int) {
	EmailsIngested.Add(float64(n))
}

// RecordCategorization increments the gate outcome counter.
func RecordCategorization(outcome string) {
	Categorizations.WithLabelValues(outcome).Inc()
}

// RecordClassifierCall observes one classifier request.
func RecordClassifierCall(provider, status string, d time.Duration) {
	ClassifierLatency.WithLabelValues(provider, status).Observe(d.Seconds())
}

// RecordPurged adds n to the purged email counter.
func RecordPurged(n int64) {
	EmailsPurged.Add(float64(n))
}

// RecordDigestUser records one user's digest outcome and the digests sent.
func RecordDigestUser(status string, sent int) {
	DigestUsers.WithLabelValues(status).Inc()
	DigestsSent.Add(float64(sent))
}

// RecordJob observes a job run.
func RecordJob(job, status string, d time.Duration) {
	JobDuration.WithLabelValues(job, status).Observe(d.Seconds())
}
