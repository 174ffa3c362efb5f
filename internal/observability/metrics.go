package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "waste_dispatch"

var (
	RequestsCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_created_total", Help: "Total collection requests accepted by intake"})
	RequestsRejected  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_rejected_total", Help: "Total collection requests rejected by validation"})
	RequestsTimedOut  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_timed_out_total", Help: "Pending requests auto-cancelled after the dispatch timeout"})
	PriceFinal        = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "price_final_kes", Help: "Final price of estimates in KES", Buckets: prometheus.ExponentialBuckets(50, 2, 12)})
	AssignmentLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "assignment_latency_seconds", Help: "Assignment latency seconds"})
	CollectorsOnline  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "collectors_online", Help: "Collectors that went online minus those that went offline"})
	SurgeActiveCells  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "surge_active_cells", Help: "Grid cells with a published surge record"})

	Assignments = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "assignments_total", Help: "Assignment attempts by result"},
		[]string{"result"},
	)
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "collection_transitions_total", Help: "Collection state transitions by target state"},
		[]string{"to"},
	)
	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Outbound notifications by channel and result"},
		[]string{"channel", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
