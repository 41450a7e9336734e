package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime's Prometheus collectors. Construct one per
// process with NewMetrics and pass it to the subsystems that record.
type Metrics struct {
	TurnsTotal        *prometheus.CounterVec
	TurnDuration      prometheus.Histogram
	ToolExecutions    *prometheus.CounterVec
	ProviderFailures  *prometheus.CounterVec
	QuotaRejections   *prometheus.CounterVec
	SessionsActive    prometheus.Gauge
	LoopIterations    prometheus.Histogram
}

// NewMetrics registers all collectors with reg and returns the set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nekobot_turns_total",
			Help: "Chat turns processed, by outcome.",
		}, []string{"outcome"}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "nekobot_turn_duration_seconds",
			Help:    "Wall time per chat turn.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nekobot_tool_executions_total",
			Help: "Tool executions, by tool name and status.",
		}, []string{"tool", "status"}),
		ProviderFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nekobot_provider_failures_total",
			Help: "Provider transport failures, by provider.",
		}, []string{"provider"}),
		QuotaRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nekobot_quota_rejections_total",
			Help: "Tool calls rejected by the quota ledger.",
		}, []string{"tool"}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nekobot_sessions_active",
			Help: "Sessions currently held in the store.",
		}),
		LoopIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "nekobot_loop_iterations",
			Help:    "Provider calls per turn.",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 50},
		}),
	}
}
