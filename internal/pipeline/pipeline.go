// Package pipeline implements the migration engine: stream tables out
// of a source adapter, translate their schemas, and load them into a
// destination adapter with per-table failure isolation.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/jfoltran/datamover/internal/adapter"
	"github.com/jfoltran/datamover/internal/metrics"
	"github.com/jfoltran/datamover/pkg/ident"
)

// OperationType selects between a full reload and an incremental sync.
type OperationType string

const (
	OperationFull        OperationType = "full"
	OperationIncremental OperationType = "incremental"
)

// ParseOperationType validates a wire value.
func ParseOperationType(s string) (OperationType, error) {
	switch OperationType(s) {
	case OperationFull:
		return OperationFull, nil
	case OperationIncremental:
		return OperationIncremental, nil
	}
	return "", fmt.Errorf("invalid operation type %q", s)
}

// Job describes one migration to execute.
type Job struct {
	SourceKey string
	SourceCfg adapter.Config
	DestKey   string
	DestCfg   adapter.Config
	Operation OperationType

	// Since is the incremental watermark; records with a change-tracking
	// field at or before it are skipped. Required for incremental jobs.
	Since time.Time
}

func (j Job) validate() error {
	switch j.Operation {
	case OperationFull:
	case OperationIncremental:
		if j.Since.IsZero() {
			return fmt.Errorf("%w: incremental operation requires last_sync_time", ErrOperationAborted)
		}
	default:
		return fmt.Errorf("%w: invalid operation type %q", ErrOperationAborted, j.Operation)
	}
	return nil
}

// TableResult is one successfully loaded table.
type TableResult struct {
	Table   string `json:"table"`
	Records int    `json:"records"`
}

// TableFailure is one table that failed after all retries.
type TableFailure struct {
	Table string `json:"table"`
	Error string `json:"error"`
}

// MigrationResult aggregates the outcome of one operation. Success
// holds exactly when no table failed.
type MigrationResult struct {
	Success        bool           `json:"success"`
	TablesMigrated []TableResult  `json:"tables_migrated"`
	TablesFailed   []TableFailure `json:"tables_failed"`
	TotalTables    int            `json:"total_tables"`
	TotalRecords   int            `json:"total_records"`
	Errors         []string       `json:"errors"`
}

func newResult() *MigrationResult {
	return &MigrationResult{
		Success:        true,
		TablesMigrated: []TableResult{},
		TablesFailed:   []TableFailure{},
		Errors:         []string{},
	}
}

// Engine executes migrations. One engine serves many concurrent jobs;
// adapters are created per job from the registry and never shared.
type Engine struct {
	logger zerolog.Logger

	// retryWait and maxTries bound the per-table retry loop.
	retryWait time.Duration
	maxTries  uint
}

func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		logger:    logger.With().Str("component", "pipeline").Logger(),
		retryWait: 2 * time.Second,
		maxTries:  3,
	}
}

// Run executes one migration end to end. The result is always non-nil;
// the error is non-nil only for failures that abort the whole operation
// (bad job, unknown adapters, connect failure, table enumeration).
// Per-table failures are folded into the result instead.
func (e *Engine) Run(ctx context.Context, job Job) (*MigrationResult, error) {
	result := newResult()

	if err := job.validate(); err != nil {
		result.fail(err)
		return result, err
	}
	if job.SourceKey == job.DestKey {
		err := fmt.Errorf("%w: source and destination are both %q", ErrUnsupportedCombination, job.SourceKey)
		result.fail(err)
		return result, err
	}
	src, ok := adapter.NewSource(job.SourceKey)
	if !ok {
		err := fmt.Errorf("%w: unknown source type %q", ErrUnsupportedCombination, job.SourceKey)
		result.fail(err)
		return result, err
	}
	dst, ok := adapter.NewDestination(job.DestKey)
	if !ok {
		err := fmt.Errorf("%w: unknown destination type %q", ErrUnsupportedCombination, job.DestKey)
		result.fail(err)
		return result, err
	}

	m := &migration{
		engine: e,
		job:    job,
		src:    src,
		dst:    dst,
		result: result,
		logger: e.logger.With().
			Str("source", job.SourceKey).
			Str("destination", job.DestKey).
			Str("operation", string(job.Operation)).Logger(),
		liveCols: map[string]map[string]struct{}{},
	}
	return m.run(ctx)
}

// migration is the per-job state: one source, one destination, one
// result under construction.
type migration struct {
	engine *Engine
	job    Job
	src    adapter.Source
	dst    adapter.Destination
	result *MigrationResult
	logger zerolog.Logger

	// liveCols caches the destination's column set per table, keyed by
	// the normalized column name, for schema evolution diffs.
	liveCols map[string]map[string]struct{}
}

type loadedTable struct {
	source string
	dest   string
	schema *adapter.TableSchema
}

func (m *migration) run(ctx context.Context) (*MigrationResult, error) {
	start := time.Now()
	metrics.MigrationsInFlight.Inc()
	defer metrics.MigrationsInFlight.Dec()
	defer func() {
		outcome := "success"
		if !m.result.Success {
			outcome = "failure"
		}
		metrics.MigrationsTotal.WithLabelValues(m.job.SourceKey, m.job.DestKey, outcome).Inc()
		metrics.MigrationDuration.WithLabelValues(m.job.SourceKey, m.job.DestKey).Observe(time.Since(start).Seconds())
	}()

	m.logger.Info().Msg("connecting to source")
	if err := m.src.Connect(ctx, m.job.SourceCfg); err != nil {
		err = fmt.Errorf("%w: connect source %q: %w", ErrOperationAborted, m.job.SourceKey, err)
		m.result.fail(err)
		return m.result, err
	}
	defer m.closeQuiet(m.src.Close, "source")

	m.logger.Info().Msg("connecting to destination")
	if err := m.dst.Connect(ctx, m.job.DestCfg, m.job.SourceKey); err != nil {
		err = fmt.Errorf("%w: connect destination %q: %w", ErrOperationAborted, m.job.DestKey, err)
		m.result.fail(err)
		return m.result, err
	}
	defer m.closeQuiet(m.dst.Close, "destination")

	tables, err := m.src.ListTables(ctx)
	if err != nil {
		err = fmt.Errorf("%w: list tables: %w", ErrOperationAborted, err)
		m.result.fail(err)
		return m.result, err
	}
	m.result.TotalTables = len(tables)
	m.logger.Info().Int("tables", len(tables)).Msg("enumerated source tables")
	if len(tables) == 0 {
		m.logger.Warn().Msg("no tables found in source")
		m.result.Errors = append(m.result.Errors, "No tables/modules found in source")
		return m.result, nil
	}

	var loaded []loadedTable
	for _, table := range tables {
		if ctx.Err() != nil {
			err := fmt.Errorf("%w: %w", ErrOperationAborted, ctx.Err())
			m.result.fail(err)
			return m.result, err
		}

		out, err := m.migrateTableWithRetry(ctx, table)
		if err != nil {
			terr := &TableError{Table: table, Err: err}
			m.logger.Error().Err(err).Str("table", table).Msg("table failed after all retries")
			m.result.TablesFailed = append(m.result.TablesFailed, TableFailure{Table: table, Error: err.Error()})
			m.result.Errors = append(m.result.Errors, terr.Error())
			metrics.TablesFailed.WithLabelValues(m.job.SourceKey, m.job.DestKey).Inc()
			continue
		}

		// Indexes and unique constraints right after the table's data;
		// failures are recorded, never fatal.
		if err := m.dst.CreateIndexes(ctx, out.destTable, out.schema); err != nil {
			m.logger.Warn().Err(err).Str("table", out.destTable).Msg("index creation failed")
			m.result.Errors = append(m.result.Errors, fmt.Sprintf("%s: indexes: %v", table, err))
		}
		if err := m.dst.CreateUniqueConstraints(ctx, out.destTable, out.schema); err != nil {
			m.logger.Warn().Err(err).Str("table", out.destTable).Msg("unique constraint creation failed")
			m.result.Errors = append(m.result.Errors, fmt.Sprintf("%s: unique constraints: %v", table, err))
		}

		m.result.TablesMigrated = append(m.result.TablesMigrated, TableResult{Table: table, Records: out.records})
		m.result.TotalRecords += out.records
		metrics.TablesMigrated.WithLabelValues(m.job.SourceKey, m.job.DestKey).Inc()
		metrics.RecordsMigrated.WithLabelValues(m.job.SourceKey, m.job.DestKey, table).Add(float64(out.records))
		loaded = append(loaded, loadedTable{source: table, dest: out.destTable, schema: out.schema})
	}

	// Foreign keys only after every table's data has loaded, so
	// referenced rows exist regardless of table order.
	for _, lt := range loaded {
		if err := m.dst.CreateForeignKeys(ctx, lt.dest, lt.schema); err != nil {
			m.logger.Warn().Err(err).Str("table", lt.dest).Msg("foreign key creation failed")
			m.result.Errors = append(m.result.Errors, fmt.Sprintf("%s: foreign keys: %v", lt.source, err))
		}
	}

	m.result.Success = len(m.result.TablesFailed) == 0
	m.logger.Info().
		Bool("success", m.result.Success).
		Int("migrated", len(m.result.TablesMigrated)).
		Int("failed", len(m.result.TablesFailed)).
		Int("records", m.result.TotalRecords).
		Dur("elapsed", time.Since(start)).
		Msg("migration completed")
	return m.result, nil
}

type tableOutcome struct {
	records   int
	destTable string
	schema    *adapter.TableSchema
}

// migrateTableWithRetry drives loadTable through the bounded retry
// policy. Retries restart only this table; destination upsert/dedup
// keeps restarts idempotent.
func (m *migration) migrateTableWithRetry(ctx context.Context, table string) (tableOutcome, error) {
	attempt := 0
	return backoff.Retry(ctx, func() (tableOutcome, error) {
		attempt++
		if attempt > 1 {
			m.logger.Info().Str("table", table).Int("attempt", attempt).Msg("retrying table migration")
		}
		out, err := m.loadTable(ctx, table)
		if err != nil && ctx.Err() != nil {
			return tableOutcome{}, backoff.Permanent(err)
		}
		return out, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(m.engine.retryWait)),
		backoff.WithMaxTries(m.engine.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			m.logger.Warn().Err(err).Str("table", table).Dur("wait", wait).Msg("table migration failed, will retry")
		}),
	)
}

// loadTable resolves the schema, prepares the destination table and
// streams all batches. One batch is in flight at a time: the next is
// pulled only after the destination acknowledged the write.
func (m *migration) loadTable(ctx context.Context, table string) (tableOutcome, error) {
	start := time.Now()

	schema, err := m.src.Schema(ctx, table)
	if err != nil {
		return tableOutcome{}, err
	}
	destTable := m.dst.TableName(m.job.SourceKey, table)

	mapped, err := m.dst.MapTypes(schema.Columns, m.job.SourceKey)
	if err != nil {
		return tableOutcome{}, err
	}
	if err := m.dst.CreateTable(ctx, destTable, mapped, schema.PrimaryKey); err != nil {
		return tableOutcome{}, err
	}

	batchSize := m.src.BatchSize()
	var stream adapter.RowStream
	if m.job.Operation == OperationIncremental {
		stream, err = m.src.ReadIncremental(ctx, table, m.job.Since, batchSize)
	} else {
		stream, err = m.src.Read(ctx, table, batchSize)
	}
	if err != nil {
		return tableOutcome{}, err
	}
	defer stream.Close()

	api := adapter.IsAPISource(m.job.SourceKey)
	records, batches := 0, 0
	for {
		batch, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return tableOutcome{}, err
		}
		batches++
		if len(batch) == 0 {
			m.logger.Warn().Str("table", table).Int("batch", batches).Msg("empty batch, skipping")
			continue
		}

		if err := m.ensureColumns(ctx, destTable, batch); err != nil {
			return tableOutcome{}, err
		}
		n, err := m.dst.Write(ctx, destTable, batch, schema.PrimaryKey)
		if err != nil {
			return tableOutcome{}, err
		}
		records += n

		// API batches are small and rate-limited, so every one is worth
		// a line; SQL batches get a liveness line every ten.
		if api {
			m.logger.Info().Str("table", table).Int("batch", batches).Int("batch_records", len(batch)).Int("records", records).Msg("batch written")
		} else if batches%10 == 0 {
			m.logger.Debug().Str("table", table).Int("batches", batches).Int("records", records).Msg("progress")
		}
	}

	m.logger.Info().Str("table", table).Int("records", records).Int("batches", batches).Dur("elapsed", time.Since(start)).Msg("table migrated")
	return tableOutcome{records: records, destTable: destTable, schema: schema}, nil
}

// ensureColumns diffs the batch keyspace against the destination's live
// columns and adds missing ones as nullable string columns before the
// write. The live set is cached per table for the rest of the job.
func (m *migration) ensureColumns(ctx context.Context, destTable string, batch []adapter.Record) error {
	live, ok := m.liveCols[destTable]
	if !ok {
		cols, err := m.dst.TableColumns(ctx, destTable)
		if err != nil {
			return err
		}
		live = make(map[string]struct{}, len(cols))
		for _, c := range cols {
			live[ident.SanitizeLower(c)] = struct{}{}
		}
		m.liveCols[destTable] = live
	}

	var missing []adapter.ColumnDef
	seen := map[string]struct{}{}
	for _, rec := range batch {
		for k := range rec {
			norm := ident.SanitizeLower(k)
			if _, known := live[norm]; known {
				continue
			}
			if _, dup := seen[norm]; dup {
				continue
			}
			seen[norm] = struct{}{}
			missing = append(missing, adapter.ColumnDef{Name: k, Nullable: true})
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Name < missing[j].Name })

	if err := m.dst.EvolveSchema(ctx, destTable, missing); err != nil {
		return err
	}
	for _, c := range missing {
		live[ident.SanitizeLower(c.Name)] = struct{}{}
	}
	metrics.SchemaEvolutions.WithLabelValues(m.job.DestKey).Add(float64(len(missing)))
	m.logger.Info().Str("table", destTable).Int("columns", len(missing)).Msg("schema evolved")
	return nil
}

func (m *migration) closeQuiet(close func() error, what string) {
	if err := close(); err != nil {
		m.logger.Warn().Err(err).Str("endpoint", what).Msg("close failed")
	}
}

func (r *MigrationResult) fail(err error) {
	r.Success = false
	r.Errors = append(r.Errors, err.Error())
}
