package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamespace = "dealersync"

var (
	syncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "sync_runs_total",
		Help:      "Sync attempts by mode and result (success, failure, cancelled, skipped).",
	}, []string{"mode", "result"})

	syncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricNamespace,
		Name:      "sync_duration_seconds",
		Help:      "Duration of sync attempts.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"mode"})

	mergeRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "merge_records_total",
		Help:      "Records handled by the merge engine by entity and action.",
	}, []string{"entity", "action"})

	pushTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      "push_total",
		Help:      "Records pushed to the remote store by entity and result (ok, queued, failed).",
	}, []string{"entity", "result"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricNamespace,
		Name:      "queue_depth",
		Help:      "Live items in the offline mutation queue.",
	}, []string{"dealer_id"})
)

func recordMergeStats(stats MergeStats) {
	for kind, c := range stats {
		entity := string(kind)
		add := func(action string, n int) {
			if n > 0 {
				mergeRecords.WithLabelValues(entity, action).Add(float64(n))
			}
		}
		add("created", c.Created)
		add("updated", c.Updated)
		add("skipped", c.Skipped)
		add("deleted", c.Deleted)
		add("deduplicated", c.Deduplicated)
		add("orphaned", c.Orphaned)
		add("unlinked", c.Unlinked)
		add("swept", c.Swept)
	}
}
