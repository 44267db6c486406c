// Package orchestrator drives the operation lifecycle: claiming scheduled
// operations, making sure the worker process is up, dispatching migrations
// over HTTP and persisting the terminal outcome.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jfoltran/datamover/internal/metrics"
	"github.com/jfoltran/datamover/internal/opstore"
)

// ErrConflict marks lifecycle requests the current status does not allow,
// such as executing an operation that is already running. Servers map it to
// 409.
var ErrConflict = errors.New("operation state conflict")

// Store is the slice of the operation store the orchestrator drives.
type Store interface {
	Get(ctx context.Context, id string) (opstore.Operation, bool, error)
	List(ctx context.Context) ([]opstore.Operation, error)
	Due(ctx context.Context, now time.Time) ([]opstore.Operation, error)
	Claim(ctx context.Context, id string) (bool, error)
	ClaimRetry(ctx context.Context, id string) (bool, error)
	Finish(ctx context.Context, id string, status opstore.Status, result json.RawMessage, errMsg string) (bool, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// WorkerSupervisor readies the worker process before a dispatch.
type WorkerSupervisor interface {
	EnsureWorker(ctx context.Context) error
}

type Orchestrator struct {
	store  Store
	sup    WorkerSupervisor
	worker *WorkerClient
	logger zerolog.Logger

	// baseCtx outlives individual HTTP requests; dispatched migrations run
	// under it so a closed client connection does not abort them.
	baseCtx context.Context

	mu      sync.Mutex
	running map[string]struct{}
}

func New(ctx context.Context, store Store, sup WorkerSupervisor, worker *WorkerClient, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:   store,
		sup:     sup,
		worker:  worker,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
		baseCtx: ctx,
		running: make(map[string]struct{}),
	}
}

// Execute claims a pending operation and dispatches it. force overrides the
// scheduled_at gate, not the status gate.
func (o *Orchestrator) Execute(ctx context.Context, id string, force bool) error {
	op, ok, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return opstore.ErrNotFound
	}

	switch op.Status {
	case opstore.StatusRunning:
		return fmt.Errorf("%w: operation is already running", ErrConflict)
	case opstore.StatusPending:
		if !force && op.ScheduledAt.After(time.Now()) {
			return fmt.Errorf("%w: operation is scheduled for %s, use force to run now",
				ErrConflict, op.ScheduledAt.Format(time.RFC3339))
		}
	default:
		return fmt.Errorf("%w: cannot execute operation in status %q", ErrConflict, op.Status)
	}

	claimed, err := o.store.Claim(ctx, id)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("%w: operation was claimed concurrently", ErrConflict)
	}

	op.Status = opstore.StatusRunning
	go o.dispatch(op)
	return nil
}

// Retry re-runs a failed or completed operation. Destinations load
// idempotently, so tables that already arrived are effectively skipped.
func (o *Orchestrator) Retry(ctx context.Context, id string) error {
	op, ok, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return opstore.ErrNotFound
	}
	if op.Status != opstore.StatusFailed && op.Status != opstore.StatusCompleted {
		return fmt.Errorf("%w: only failed or completed operations can be retried, status is %q",
			ErrConflict, op.Status)
	}

	claimed, err := o.store.ClaimRetry(ctx, id)
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("%w: operation status changed concurrently", ErrConflict)
	}

	op.Status = opstore.StatusRunning
	op.Result = nil
	op.ErrorMessage = ""
	go o.dispatch(op)
	return nil
}

// Remove deletes an operation. Pending or running operations are
// soft-cancelled first; the worker is never interrupted and data already
// written stays at the destination.
func (o *Orchestrator) Remove(ctx context.Context, id string) error {
	op, ok, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return opstore.ErrNotFound
	}

	if op.Status == opstore.StatusPending || op.Status == opstore.StatusRunning {
		if _, err := o.store.Cancel(ctx, id); err != nil {
			return err
		}
		o.logger.Info().Str("operation", id).Str("was", string(op.Status)).Msg("soft-cancelled operation")
	}

	return o.store.Delete(ctx, id)
}

// RecoverStale fails operations left in running by a previous orchestrator
// process. Call once at startup, before the scheduler begins claiming.
func (o *Orchestrator) RecoverStale(ctx context.Context) error {
	ops, err := o.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list operations for recovery: %w", err)
	}
	for _, op := range ops {
		if op.Status != opstore.StatusRunning {
			continue
		}
		o.mu.Lock()
		_, live := o.running[op.ID]
		o.mu.Unlock()
		if live {
			continue
		}
		o.logger.Warn().Str("operation", op.ID).Msg("recovering stale operation, marking as failed")
		if _, err := o.store.Finish(ctx, op.ID, opstore.StatusFailed, nil,
			"orchestrator restarted while operation was running"); err != nil {
			return err
		}
	}
	return nil
}

// IsRunning reports whether this process is currently executing the
// operation.
func (o *Orchestrator) IsRunning(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[id]
	return ok
}

// dispatch runs one claimed operation to its terminal state. It never
// returns an error: every outcome lands in the store.
func (o *Orchestrator) dispatch(op opstore.Operation) {
	ctx := o.baseCtx
	logger := o.logger.With().Str("operation", op.ID).Logger()

	o.mu.Lock()
	o.running[op.ID] = struct{}{}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, op.ID)
		o.mu.Unlock()
	}()

	logger.Info().
		Str("source", op.Config.SourceType).
		Str("destination", op.Config.DestType).
		Str("type", string(op.OperationType)).
		Msg("dispatching operation")

	if err := o.sup.EnsureWorker(ctx); err != nil {
		logger.Err(err).Msg("worker unavailable")
		o.finish(ctx, logger, op.ID, opstore.StatusFailed, nil, err.Error(), "worker_unavailable")
		return
	}

	outcome, err := o.worker.Migrate(ctx, buildJob(op))
	if err != nil {
		label := "rejected"
		if errors.Is(err, ErrWorkerTransport) {
			label = "transport_error"
		}
		logger.Err(err).Msg("migration dispatch failed")
		o.finish(ctx, logger, op.ID, opstore.StatusFailed, nil, err.Error(), label)
		return
	}

	if outcome.Success {
		logger.Info().Msg("operation completed")
		o.finish(ctx, logger, op.ID, opstore.StatusCompleted, outcome.Result, "", "completed")
		return
	}

	msg := summarizeFailure(outcome.Result)
	logger.Warn().Str("error", msg).Msg("operation failed")
	o.finish(ctx, logger, op.ID, opstore.StatusFailed, outcome.Result, msg, "failed")
}

// finish writes the terminal state. Losing the compare-and-set means a soft
// cancel beat us: the late result is dropped and the cancelled row stands.
func (o *Orchestrator) finish(ctx context.Context, logger zerolog.Logger, id string, status opstore.Status, result json.RawMessage, errMsg, outcome string) {
	ok, err := o.store.Finish(ctx, id, status, result, errMsg)
	if err != nil {
		logger.Err(err).Msg("failed to persist operation outcome")
		metrics.OperationsDispatched.WithLabelValues("persistence_error").Inc()
		return
	}
	if !ok {
		logger.Info().Msg("operation was cancelled mid-flight, dropping result")
		metrics.OperationsDispatched.WithLabelValues("cancelled").Inc()
		return
	}
	metrics.OperationsDispatched.WithLabelValues(outcome).Inc()
}

// buildJob flattens an operation into the worker's request body. The row's
// operation_type and watermark are authoritative over the stored config.
func buildJob(op opstore.Operation) opstore.Config {
	job := op.Config
	if op.OperationType != "" {
		job.OperationType = op.OperationType
	}
	if op.LastSyncTime != nil {
		job.LastSyncTime = op.LastSyncTime
	}
	return job
}

func summarizeFailure(result json.RawMessage) string {
	var parsed struct {
		TotalTables  int `json:"total_tables"`
		TablesFailed []struct {
			Table string `json:"table"`
			Error string `json:"error"`
		} `json:"tables_failed"`
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		return "migration failed"
	}
	if n := len(parsed.TablesFailed); n > 0 {
		return fmt.Sprintf("%d of %d tables failed, first: %s: %s",
			n, parsed.TotalTables, parsed.TablesFailed[0].Table, parsed.TablesFailed[0].Error)
	}
	if len(parsed.Errors) > 0 {
		return parsed.Errors[0]
	}
	return "migration failed"
}
