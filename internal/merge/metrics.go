package merge

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type engineMetrics struct {
	merges   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	cleanups *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	defaultMetricsInst *engineMetrics
)

func getDefaultMetrics() *engineMetrics {
	defaultMetricsOnce.Do(func() {
		defaultMetricsInst = newEngineMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetricsInst
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vcshub",
			Subsystem: "merge",
			Name:      "attempts_total",
			Help:      "Merge attempts by backend, mode and failure reason.",
		}, []string{"backend", "mode", "reason"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "vcshub",
			Subsystem: "merge",
			Name:      "duration_seconds",
			Help:      "Time spent evaluating or executing a merge.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"backend", "mode"}),
		cleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vcshub",
			Subsystem: "merge",
			Name:      "workspace_cleanups_total",
			Help:      "Shadow workspace cleanups by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.merges, m.duration, m.cleanups)
	}
	return m
}

func mode(dryRun bool) string {
	if dryRun {
		return "dry_run"
	}
	return "execute"
}
