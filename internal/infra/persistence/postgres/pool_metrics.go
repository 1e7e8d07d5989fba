package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/streambid/streambid/internal/telemetry"
)

type poolGauge struct {
	name string
	desc string
	unit string
	read func(*pgxpool.Stat) int64
}

var poolGauges = []poolGauge{
	{
		name: "streambid_db_pool_connections_total",
		desc: "Total connections (idle + acquired + constructing)",
		unit: "{connection}",
		read: func(s *pgxpool.Stat) int64 { return int64(s.TotalConns()) },
	},
	{
		name: "streambid_db_pool_connections_idle",
		desc: "Idle connections ready for checkout",
		unit: "{connection}",
		read: func(s *pgxpool.Stat) int64 { return int64(s.IdleConns()) },
	},
	{
		name: "streambid_db_pool_connections_acquired",
		desc: "Connections currently acquired by callers",
		unit: "{connection}",
		read: func(s *pgxpool.Stat) int64 { return int64(s.AcquiredConns()) },
	},
	{
		name: "streambid_db_pool_connections_max",
		desc: "Configured pool size ceiling",
		unit: "{connection}",
		read: func(s *pgxpool.Stat) int64 { return int64(s.MaxConns()) },
	},
	{
		name: "streambid_db_pool_empty_acquires",
		desc: "Acquires that waited because no connection was free",
		unit: "{acquire}",
		read: func(s *pgxpool.Stat) int64 { return s.EmptyAcquireCount() },
	},
}

// ObservePoolMetrics registers observable gauges over pgx pool statistics.
// Registration failures are ignored; pool health reporting is best effort.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) {
	if pool == nil {
		return
	}
	normalized := strings.TrimSpace(poolName)
	if normalized == "" {
		normalized = "primary"
	}
	attrs := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrDBPool.String(normalized),
	}

	meter := otel.Meter("postgres.pool")
	for _, g := range poolGauges {
		read := g.read
		_, _ = meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.desc),
			metric.WithUnit(g.unit),
			metric.WithInt64Callback(func(_ context.Context, observer metric.Int64Observer) error {
				observer.Observe(read(pool.Stat()), metric.WithAttributes(attrs...))
				return nil
			}))
	}
}
