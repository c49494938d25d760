package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dbPoolConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "pool_connections",
			Help:      "Number of database connections by state",
		},
		[]string{"state"},
	)

	dbAcquireWaitSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "acquire_wait_seconds_total",
			Help:      "Cumulative time spent waiting for a pooled connection",
		},
	)

	dbEmptyAcquires = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "empty_acquires_total",
			Help:      "Acquires that had to wait because the pool was empty",
		},
	)
)

// RecordDBPoolMetrics snapshots pool statistics. A nil pool is ignored so
// in-memory deployments can share the collection loop.
func RecordDBPoolMetrics(pool *pgxpool.Pool) {
	if pool == nil {
		return
	}
	recordPoolStat(pool.Stat())
}

func recordPoolStat(s *pgxpool.Stat) {
	dbPoolConnections.WithLabelValues("in_use").Set(float64(s.AcquiredConns()))
	dbPoolConnections.WithLabelValues("idle").Set(float64(s.IdleConns()))
	dbPoolConnections.WithLabelValues("constructing").Set(float64(s.ConstructingConns()))
	dbPoolConnections.WithLabelValues("max").Set(float64(s.MaxConns()))
	dbAcquireWaitSeconds.Set(s.AcquireDuration().Seconds())
	dbEmptyAcquires.Set(float64(s.EmptyAcquireCount()))
}
