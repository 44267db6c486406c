package opstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const operationColumns = `id, owner_id, source_registry_id, scheduled_at, operation_type, status,
       config, result, error_message, last_sync_time,
       created_at, updated_at, started_at, completed_at`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create inserts a new operation in pending state. The caller supplies the
// id; scheduled_at defaults to now when zero (run at the next tick).
func (s *Store) Create(ctx context.Context, op Operation) error {
	if err := ValidateConfig(op.Config); err != nil {
		return err
	}
	scheduledAt := op.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now().UTC()
	}
	opType := op.OperationType
	if opType == "" {
		opType = TypeFull
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO operations (id, owner_id, source_registry_id, scheduled_at,
		                        operation_type, status, config, last_sync_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, op.ID, op.OwnerID, op.SourceRegistryID, scheduledAt,
		opType, StatusPending, op.Config, op.LastSyncTime)
	if err != nil {
		return fmt.Errorf("%w: create operation: %w", ErrPersistence, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]Operation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+operationColumns+` FROM operations ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list operations: %w", ErrPersistence, err)
	}
	defer rows.Close()
	return collectOperations(rows)
}

func (s *Store) Get(ctx context.Context, id string) (Operation, bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE id = $1`, id)
	if err != nil {
		return Operation{}, false, fmt.Errorf("%w: get operation: %w", ErrPersistence, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return Operation{}, false, rows.Err()
	}
	op, err := scanOperation(rows)
	if err != nil {
		return Operation{}, false, err
	}
	return op, true, nil
}

// Due returns pending operations whose scheduled_at has passed, oldest
// first. Callers must still Claim each one before executing it.
func (s *Store) Due(ctx context.Context, now time.Time) ([]Operation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+operationColumns+` FROM operations
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY scheduled_at
	`, StatusPending, now)
	if err != nil {
		return nil, fmt.Errorf("%w: scan due operations: %w", ErrPersistence, err)
	}
	defer rows.Close()
	return collectOperations(rows)
}

// Claim moves a pending operation into running and stamps started_at. The
// compare-and-set on status makes the claim safe across orchestrator
// replicas: exactly one caller sees true.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE operations
		SET status = $2, started_at = now(), updated_at = now()
		WHERE id = $1 AND status = $3
	`, id, StatusRunning, StatusPending)
	if err != nil {
		return false, fmt.Errorf("%w: claim operation %q: %w", ErrPersistence, id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimRetry re-enters running from failed or completed, clearing the
// previous run's outcome so the invariants on completed_at and result hold
// for the new run.
func (s *Store) ClaimRetry(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE operations
		SET status = $2, started_at = now(), completed_at = NULL,
		    result = NULL, error_message = '', updated_at = now()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, StatusRunning, StatusFailed, StatusCompleted)
	if err != nil {
		return false, fmt.Errorf("%w: retry operation %q: %w", ErrPersistence, id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Finish writes the terminal outcome in a single update: status, result and
// error_message land atomically with completed_at. The status='running'
// guard means a concurrent soft cancel wins and the late result is dropped;
// callers get false in that case.
func (s *Store) Finish(ctx context.Context, id string, status Status, result json.RawMessage, errMsg string) (bool, error) {
	if status != StatusCompleted && status != StatusFailed {
		return false, fmt.Errorf("finish with non-terminal status %q", status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE operations
		SET status = $2, result = $3, error_message = $4,
		    completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = $5
	`, id, status, result, errMsg, StatusRunning)
	if err != nil {
		return false, fmt.Errorf("%w: finish operation %q: %w", ErrPersistence, id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Cancel soft-cancels a pending or running operation. The worker is not
// interrupted; any data it already wrote stays at the destination.
func (s *Store) Cancel(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE operations
		SET status = $2, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status IN ($3, $4)
	`, id, StatusCancelled, StatusPending, StatusRunning)
	if err != nil {
		return false, fmt.Errorf("%w: cancel operation %q: %w", ErrPersistence, id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM operations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: delete operation %q: %w", ErrPersistence, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("operation %q: %w", id, ErrNotFound)
	}
	return nil
}

// Summary aggregates operations per status and per type, optionally scoped
// to one owner, plus the most recent rows for dashboards.
type Summary struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByType   map[string]int `json:"by_type"`
	Recent   []Operation    `json:"recent"`
}

func (s *Store) Summarize(ctx context.Context, ownerID string, recent int) (Summary, error) {
	sum := Summary{
		ByStatus: map[string]int{},
		ByType:   map[string]int{},
		Recent:   []Operation{},
	}

	rows, err := s.pool.Query(ctx, `
		SELECT status, operation_type, count(*)
		FROM operations
		WHERE ($1 = '' OR owner_id = $1)
		GROUP BY status, operation_type
	`, ownerID)
	if err != nil {
		return Summary{}, fmt.Errorf("%w: summarize operations: %w", ErrPersistence, err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, opType string
		var count int
		if err := rows.Scan(&status, &opType, &count); err != nil {
			return Summary{}, fmt.Errorf("scan summary row: %w", err)
		}
		sum.ByStatus[status] += count
		sum.ByType[opType] += count
		sum.Total += count
	}
	if err := rows.Err(); err != nil {
		return Summary{}, fmt.Errorf("%w: summarize operations: %w", ErrPersistence, err)
	}

	if recent > 0 {
		recentRows, err := s.pool.Query(ctx, `
			SELECT `+operationColumns+` FROM operations
			WHERE ($1 = '' OR owner_id = $1)
			ORDER BY created_at DESC
			LIMIT $2
		`, ownerID, recent)
		if err != nil {
			return Summary{}, fmt.Errorf("%w: recent operations: %w", ErrPersistence, err)
		}
		defer recentRows.Close()
		sum.Recent, err = collectOperations(recentRows)
		if err != nil {
			return Summary{}, err
		}
	}

	return sum, nil
}

func collectOperations(rows pgx.Rows) ([]Operation, error) {
	var list []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, op)
	}
	if list == nil {
		list = []Operation{}
	}
	return list, rows.Err()
}

func scanOperation(rows pgx.Rows) (Operation, error) {
	var op Operation
	err := rows.Scan(
		&op.ID, &op.OwnerID, &op.SourceRegistryID, &op.ScheduledAt, &op.OperationType, &op.Status,
		&op.Config, &op.Result, &op.ErrorMessage, &op.LastSyncTime,
		&op.CreatedAt, &op.UpdatedAt, &op.StartedAt, &op.CompletedAt,
	)
	if err != nil {
		return Operation{}, fmt.Errorf("scan operation: %w", err)
	}
	return op, nil
}
