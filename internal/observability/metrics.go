package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "realmctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	registryTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmctl",
			Subsystem: "registry",
			Name:      "transactions_total",
			Help:      "Registry transactions by outcome.",
		},
		[]string{"outcome"},
	)
	registryTransactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "realmctl",
			Subsystem: "registry",
			Name:      "transaction_duration_seconds",
			Help:      "Time the registry write lock was held per transaction.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		},
	)
	registryEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "realmctl",
			Subsystem: "registry",
			Name:      "entries",
			Help:      "Entries currently published per registry.",
		},
		[]string{"registry"},
	)
	realmProvisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmctl",
			Subsystem: "realm",
			Name:      "provisions_total",
			Help:      "Realm provisioning attempts by category and outcome.",
		},
		[]string{"category", "outcome"},
	)
	realmStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "realmctl",
			Subsystem: "realm",
			Name:      "state",
			Help:      "Realms per lifecycle state.",
		},
		[]string{"state"},
	)
	evacuations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmctl",
			Subsystem: "realm",
			Name:      "evacuations_total",
			Help:      "Occupant evacuations by outcome.",
		},
		[]string{"outcome"},
	)
	validations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmctl",
			Subsystem: "consistency",
			Name:      "passes_total",
			Help:      "Consistency passes by result.",
		},
		[]string{"result"},
	)
	replicationMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmctl",
			Subsystem: "replication",
			Name:      "messages_total",
			Help:      "Replication frames queued by kind.",
		},
		[]string{"kind"},
	)
	replicationBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmctl",
			Subsystem: "replication",
			Name:      "bytes_total",
			Help:      "Replication frame bytes queued by kind.",
		},
		[]string{"kind"},
	)
	replicationClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "realmctl",
			Subsystem: "replication",
			Name:      "clients",
			Help:      "Connected replication clients.",
		},
	)
	replicationDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "realmctl",
			Subsystem: "replication",
			Name:      "client_drops_total",
			Help:      "Clients dropped by reason.",
		},
		[]string{"reason"},
	)
	replicationSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "realmctl",
			Subsystem: "replication",
			Name:      "descriptors_skipped_total",
			Help:      "Descriptors left out of a sync because they could not be encoded.",
		},
	)
)

// Collectors lists every metric so tests and custom registries can reuse them.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequests, httpDuration,
		registryTransactions, registryTransactionDuration, registryEntries,
		realmProvisions, realmStates, evacuations, validations,
		replicationMessages, replicationBytes, replicationClients, replicationDrops,
		replicationSkipped,
	}
}

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(Collectors()...)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordTransaction(outcome string, steps int, duration time.Duration) {
	RegisterMetrics()
	registryTransactions.WithLabelValues(outcome).Inc()
	if steps > 0 {
		registryTransactionDuration.Observe(duration.Seconds())
	}
}

func SetRegistrySize(registry string, entries int) {
	RegisterMetrics()
	registryEntries.WithLabelValues(registry).Set(float64(entries))
}

func RecordRealmProvision(category, outcome string) {
	RegisterMetrics()
	realmProvisions.WithLabelValues(category, outcome).Inc()
}

// SetRealmStates replaces the per-state gauge values.
func SetRealmStates(counts map[string]int) {
	RegisterMetrics()
	for state, n := range counts {
		realmStates.WithLabelValues(state).Set(float64(n))
	}
}

func RecordEvacuation(outcome string) {
	RegisterMetrics()
	evacuations.WithLabelValues(outcome).Inc()
}

func RecordValidation(ok bool) {
	RegisterMetrics()
	result := "ok"
	if !ok {
		result = "issues"
	}
	validations.WithLabelValues(result).Inc()
}

func RecordReplicationMessage(kind string, bytes int) {
	RegisterMetrics()
	replicationMessages.WithLabelValues(kind).Inc()
	replicationBytes.WithLabelValues(kind).Add(float64(bytes))
}

func SetReplicationClients(n int) {
	RegisterMetrics()
	replicationClients.Set(float64(n))
}

func RecordClientDrop(reason string) {
	RegisterMetrics()
	replicationDrops.WithLabelValues(reason).Inc()
}

func RecordResyncSkip() {
	RegisterMetrics()
	replicationSkipped.Inc()
}
