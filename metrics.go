package tasksync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/erennakbas/tasksync/types"
)

// Metrics holds the Prometheus collectors updated by a Client.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	remoteCalls  *prometheus.CounterVec
	retries      *prometheus.CounterVec
	conflicts    *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	tasks        *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		remoteCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasksync_remote_calls_total",
				Help: "Remote calls by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasksync_retries_total",
				Help: "Retries scheduled after transient failures",
			},
			[]string{"op"},
		),
		conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasksync_conflicts_total",
				Help: "Operations rejected for a stale revision",
			},
			[]string{"op"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tasksync_remote_call_duration_seconds",
				Help:    "Latency of remote calls",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
			},
			[]string{"op"},
		),
		tasks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tasksync_tasks",
				Help: "Tasks in the local collection by sync state",
			},
			[]string{"state"},
		),
	}

	for _, c := range []prometheus.Collector{m.remoteCalls, m.retries, m.conflicts, m.callDuration, m.tasks} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeCall(op types.OpKind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(op.String(), outcome).Inc()
	m.callDuration.WithLabelValues(op.String()).Observe(d.Seconds())
}

func (m *Metrics) retry(op types.OpKind) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op.String()).Inc()
}

func (m *Metrics) conflict(op types.OpKind) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(op.String()).Inc()
}

func (m *Metrics) setTasks(stats types.Stats) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(types.SyncStateSynced.String()).Set(float64(stats.Synced))
	m.tasks.WithLabelValues(types.SyncStatePending.String()).Set(float64(stats.Pending))
	m.tasks.WithLabelValues(types.SyncStateFailed.String()).Set(float64(stats.Failed))
}
