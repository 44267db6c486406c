// Package builtin registers every adapter shipped with the worker.
package builtin

import (
	"github.com/rs/zerolog"

	"github.com/jfoltran/datamover/internal/adapter"
	"github.com/jfoltran/datamover/internal/adapter/clickhouse"
	"github.com/jfoltran/datamover/internal/adapter/devops"
	"github.com/jfoltran/datamover/internal/adapter/mysql"
	"github.com/jfoltran/datamover/internal/adapter/postgres"
	"github.com/jfoltran/datamover/internal/adapter/sqlserver"
	"github.com/jfoltran/datamover/internal/adapter/zoho"
)

// Register wires the built-in sources and destinations into the
// adapter registry. Factories capture the logger so every migration
// gets its own connected instance.
func Register(logger zerolog.Logger) {
	adapter.RegisterSource("postgresql", func() adapter.Source { return postgres.NewSource(logger) })
	adapter.RegisterSource("mysql", func() adapter.Source { return mysql.NewSource(logger) })
	adapter.RegisterSource("sqlserver", func() adapter.Source { return sqlserver.NewSource(logger) })
	adapter.RegisterSource("zoho", func() adapter.Source { return zoho.NewSource(logger) })
	adapter.RegisterSource("devops", func() adapter.Source { return devops.NewSource(logger) })

	adapter.RegisterDestination("postgresql", func() adapter.Destination { return postgres.NewDestination(logger) })
	adapter.RegisterDestination("mysql", func() adapter.Destination { return mysql.NewDestination(logger) })
	adapter.RegisterDestination("clickhouse", func() adapter.Destination { return clickhouse.NewDestination(logger) })
}
