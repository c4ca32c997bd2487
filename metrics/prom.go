package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Read outcomes.
const (
	OutcomeServed   = "served"
	OutcomeNotFound = "not_found"
	OutcomeExpired  = "expired"
	OutcomeAuth     = "auth_failed"
	OutcomeError    = "error"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cinder_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRead = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinder_paste_read_total",
			Help: "no. of paste reads by outcome",
		},
		[]string{"outcome"},
	)
	PasteBurned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cinder_paste_burned_total",
		Help: "no. of burn-after-reading pastes consumed",
	})
	PasteDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cinder_paste_deleted_total",
		Help: "no. of pastes deleted with a deletion token",
	})
	IDCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cinder_id_collisions_total",
		Help: "no. of generated ids rejected by the store as taken",
	})
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cinder_sweep_cycles_total",
		Help: "no. of sweeper cycles",
	})
	SweepDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cinder_sweep_deleted_total",
		Help: "no. of expired pastes removed by the sweeper",
	})
	KDFDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cinder_kdf_duration_seconds",
		Help:    "argon2id derivation time including queueing",
		Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5},
	})
	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinder_store_errors_total",
			Help: "no. of storage backend failures",
		},
		[]string{"op"},
	)
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cinder_encryption_operations_total",
			Help: "no. of seal/open operations",
		},
		[]string{"operation"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cinder_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
)
