package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "errand_matching"

var (
	OffersIssued    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "offers_issued_total", Help: "Offers issued to workers"}, []string{"role"})
	OffersResolved  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "offers_resolved_total", Help: "Offers resolved by outcome"}, []string{"outcome"})
	TasksAccepted   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tasks_accepted_total", Help: "Tasks accepted by a worker"})
	TasksExhausted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tasks_exhausted_total", Help: "Tasks with no acceptance after all rounds"})
	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_conflicts_total", Help: "Accepts that lost the task CAS"})
	MatchLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Time from first offer to acceptance", Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600}})

	WorkersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "workers_available", Help: "Workers currently available in the geo index"})

	SessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "sessions_created_total", Help: "Sessions created"}, []string{"flow"})
	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sessions_expired_total", Help: "Expired sessions purged on read or by the sweeper"})
	FlowsCompleted  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "flows_completed_total", Help: "Conversation flows completed"}, []string{"flow"})

	NotifyErrors = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "notify_errors_total", Help: "Failed notification deliveries"}, []string{"sink"})

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
