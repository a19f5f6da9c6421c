package remote

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odvcencio/vcshub/internal/vcs"
)

const (
	metricsNamespace = "vcshub"
	metricsSubsystem = "remote"
)

type clientMetrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	retries  *prometheus.CounterVec
}

var (
	defaultClientMetricsOnce sync.Once
	defaultClientMetricsInst *clientMetrics
)

func getDefaultClientMetrics() *clientMetrics {
	defaultClientMetricsOnce.Do(func() {
		defaultClientMetricsInst = newClientMetrics(prometheus.DefaultRegisterer)
	})
	return defaultClientMetricsInst
}

func newClientMetrics(reg prometheus.Registerer) *clientMetrics {
	m := &clientMetrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "calls_total",
			Help:      "Total number of calls made to the VCS server.",
		}, []string{"backend", "method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "call_duration_seconds",
			Help:      "VCS server call latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"backend", "method"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "reconnects_total",
			Help:      "Calls replayed after the server closed the connection.",
		}, []string{"backend", "method"}),
	}
	if reg != nil {
		reg.MustRegister(m.calls, m.duration, m.retries)
	}
	return m
}

func isCommunication(err error) bool {
	var remoteErr *vcs.RemoteError
	if errors.As(err, &remoteErr) {
		return false
	}
	return errors.Is(err, vcs.ErrCommunication)
}
