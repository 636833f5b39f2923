package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheRequests counts cache-first lookups by result (hit|miss|stored|offline|error).
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greenroots_cache_requests_total",
			Help: "Total number of cache-first lookups",
		},
		[]string{"result"},
	)

	// LoginAttempts counts login submissions by result (success|failure|error|throttled).
	LoginAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greenroots_login_attempts_total",
			Help: "Total number of login attempts",
		},
		[]string{"result"},
	)

	// GateDecisions counts protected page requests by result (allow|redirect).
	GateDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greenroots_gate_decisions_total",
			Help: "Total number of protected page decisions",
		},
		[]string{"result"},
	)

	// ControlMessages counts control channel commands by type.
	ControlMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "greenroots_control_messages_total",
			Help: "Total number of control channel commands",
		},
		[]string{"type"},
	)

	BucketsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "greenroots_buckets_deleted_total",
			Help: "Total number of stale cache buckets deleted on activation",
		},
	)
)
