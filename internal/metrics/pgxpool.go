package metrics

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolStats is the part of a connection pool the gauges read.
type PoolStats interface {
	Stat() *pgxpool.Stat
}

// RegisterPgxPoolMetrics exposes connection pool statistics as Prometheus
// gauges on reg.
func RegisterPgxPoolMetrics(reg prometheus.Registerer, pool PoolStats) error {
	gauge := func(name, help string, value func(s *pgxpool.Stat) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, func() float64 {
			return value(pool.Stat())
		})
	}

	collectors := []prometheus.Collector{
		gauge("acquired_conns", "Number of currently acquired connections in the pool",
			func(s *pgxpool.Stat) float64 { return float64(s.AcquiredConns()) }),
		gauge("max_conns", "Maximum number of connections in the pool",
			func(s *pgxpool.Stat) float64 { return float64(s.MaxConns()) }),
		gauge("total_conns", "Total number of connections in the pool",
			func(s *pgxpool.Stat) float64 { return float64(s.TotalConns()) }),
		gauge("idle_conns", "Number of idle connections in the pool",
			func(s *pgxpool.Stat) float64 { return float64(s.IdleConns()) }),
		gauge("empty_acquire_total", "Acquires that waited for a connection because the pool was empty",
			func(s *pgxpool.Stat) float64 { return float64(s.EmptyAcquireCount()) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
