// Package metrics defines the runtime's Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MissionsTotal counts missions reaching a terminal status.
	MissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openjules_missions_total",
			Help: "Missions reaching a terminal status",
		},
		[]string{"status"},
	)

	// StepsTotal counts executed steps by result.
	StepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openjules_steps_total",
			Help: "Executed mission steps by result",
		},
		[]string{"result"},
	)

	// GuardVerdictsTotal counts command guard outcomes.
	GuardVerdictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openjules_guard_verdicts_total",
			Help: "Command guard verdicts",
		},
		[]string{"verdict"},
	)

	// LLMTokensTotal counts tokens consumed per role.
	LLMTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "openjules_llm_tokens_total",
			Help: "LLM tokens consumed by role and kind",
		},
		[]string{"role", "kind"},
	)

	// SandboxExecSeconds observes sandbox command wall time.
	SandboxExecSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "openjules_sandbox_exec_seconds",
			Help:    "Duration of sandbox command executions",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	// JobsRunning gauges controller goroutines currently owning a job.
	JobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "openjules_jobs_running",
			Help: "Jobs with a live mission controller",
		},
	)
)

var registerOnce sync.Once

// Register adds all collectors to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			MissionsTotal,
			StepsTotal,
			GuardVerdictsTotal,
			LLMTokensTotal,
			SandboxExecSeconds,
			JobsRunning,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
