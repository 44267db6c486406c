// Package opstore persists migration operations and registry endpoints in
// Postgres and enforces the operation state machine. All status changes go
// through compare-and-set updates so concurrent orchestrator replicas never
// double-claim or resurrect an operation.
package opstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

type OperationType string

const (
	TypeFull        OperationType = "full"
	TypeIncremental OperationType = "incremental"
)

// ErrPersistence marks database failures during a state transition. Callers
// treat it as critical: the in-memory view may no longer match the store.
var ErrPersistence = errors.New("persistence failure")

// ErrNotFound is returned when an operation or endpoint id has no row.
var ErrNotFound = errors.New("not found")

// Operation is one scheduled migration. Config holds everything the worker
// needs; Result is the worker's response body, written together with the
// terminal status.
type Operation struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"owner_id,omitempty"`
	SourceRegistryID string          `json:"source_registry_id,omitempty"`
	ScheduledAt      time.Time       `json:"scheduled_at"`
	OperationType    OperationType   `json:"operation_type"`
	Status           Status          `json:"status"`
	Config           Config          `json:"config"`
	Result           json.RawMessage `json:"result,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	LastSyncTime     *time.Time      `json:"last_sync_time,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// Config is the migration job definition stored with the operation. Its JSON
// shape matches the worker's /migrate request body.
type Config struct {
	SourceType    string         `json:"source_type"`
	DestType      string         `json:"dest_type"`
	Source        map[string]any `json:"source"`
	Destination   map[string]any `json:"destination"`
	OperationType OperationType  `json:"operation_type,omitempty"`
	LastSyncTime  *time.Time     `json:"last_sync_time,omitempty"`
}

func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
	StatusFailed:    {StatusRunning},
	StatusCompleted: {StatusRunning},
}

// CanTransition reports whether the state machine allows from → to.
// Cancelled is a dead end; retry re-enters running only from failed or
// completed.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ValidateConfig checks a job definition at creation time, mirroring the
// worker's own request validation so bad operations never reach the
// scheduler.
func ValidateConfig(c Config) error {
	var errs []error
	if c.SourceType == "" {
		errs = append(errs, errors.New("source_type is required"))
	}
	if c.DestType == "" {
		errs = append(errs, errors.New("dest_type is required"))
	}
	if c.SourceType != "" && c.SourceType == c.DestType {
		errs = append(errs, fmt.Errorf("source_type and dest_type must differ, both are %q", c.SourceType))
	}
	if c.Source == nil {
		errs = append(errs, errors.New("source config is required"))
	}
	if c.Destination == nil {
		errs = append(errs, errors.New("destination config is required"))
	}
	switch c.OperationType {
	case "", TypeFull:
	case TypeIncremental:
		if c.LastSyncTime == nil || c.LastSyncTime.IsZero() {
			errs = append(errs, errors.New("last_sync_time is required for incremental operations"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid operation_type %q", c.OperationType))
	}
	return errors.Join(errs...)
}
