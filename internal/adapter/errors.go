package adapter

import "errors"

// Failure categories the pipeline reacts to. Adapters wrap these with
// fmt.Errorf("%w: ...", ...) so callers can classify with errors.Is while
// keeping the driver error in the chain.
var (
	// ErrConnection is fatal to the whole operation.
	ErrConnection = errors.New("connection error")

	// ErrSchema, ErrTypeMapping, ErrRead and ErrWrite are fatal to one table.
	ErrSchema      = errors.New("schema discovery error")
	ErrTypeMapping = errors.New("type mapping error")
	ErrRead        = errors.New("read error")
	ErrWrite       = errors.New("write error")

	// ErrConstraint marks post-load DDL failures; recorded, never fatal.
	ErrConstraint = errors.New("constraint error")

	// ErrAuth marks credential rejections from API sources.
	ErrAuth = errors.New("authentication error")
)
