package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DialogueTurns counts dialogue events by event kind and outcome.
	DialogueTurns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "igniteme",
			Subsystem: "dialogue",
			Name:      "turns_total",
			Help:      "Dialogue events handled, by event and outcome",
		},
		[]string{"event", "outcome"},
	)

	AICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "igniteme",
			Subsystem: "ai",
			Name:      "calls_total",
			Help:      "Chat completion calls, by provider and status",
		},
		[]string{"provider", "status"},
	)

	AICallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "igniteme",
			Subsystem: "ai",
			Name:      "call_duration_seconds",
			Help:      "Chat completion latency in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"provider"},
	)

	PostsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "igniteme",
			Subsystem: "board",
			Name:      "posts_created_total",
			Help:      "Goal posts persisted",
		},
	)

	MessagesPosted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "igniteme",
			Subsystem: "board",
			Name:      "messages_posted_total",
			Help:      "Discussion messages persisted",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "igniteme",
			Subsystem: "worker",
			Name:      "queued_jobs",
			Help:      "Dialogue turns waiting for a worker",
		},
	)
)

// Handler exposes the default registry for gin.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
