package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedCombination rejects unknown adapter keys and
	// same-engine migrations during pre-flight.
	ErrUnsupportedCombination = errors.New("unsupported source/destination combination")

	// ErrOperationAborted marks failures that stop the whole operation:
	// invalid job parameters, connect failures, table enumeration.
	ErrOperationAborted = errors.New("operation aborted")
)

// TableError carries the table a failure belongs to.
type TableError struct {
	Table string
	Err   error
}

func (e *TableError) Error() string {
	return fmt.Sprintf("table %s: %v", e.Table, e.Err)
}

func (e *TableError) Unwrap() error { return e.Err }
