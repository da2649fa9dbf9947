package eventstore

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEvent is returned for drafts with an unknown type or category
	// or without an aggregate identity.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrNotInitialized is returned by write operations before Init has run.
	ErrNotInitialized = errors.New("event store not initialized")
)

// WriteError reports a rejected append. The versions it names were released and
// will be handed out again by the next successful append.
type WriteError struct {
	Op           string
	FirstVersion int64
	LastVersion  int64
	Err          error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("eventstore %s (versions %d-%d): %v", e.Op, e.FirstVersion, e.LastVersion, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
