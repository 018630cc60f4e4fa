package delivery

import (
	"errors"
	"fmt"
)

// Operation-scoped errors. They return only to the initiating client and
// never crash the coordinator or touch other users' state.
var (
	// ErrForbidden means the membership check failed. Surfaced immediately,
	// not retried.
	ErrForbidden = errors.New("delivery: forbidden")

	// ErrThrottled means the rate limit was hit. Retryable; the operation
	// had no side effect.
	ErrThrottled = errors.New("delivery: throttled")

	// ErrInvalidEvent means the payload was malformed. Logged; the
	// connection stays open.
	ErrInvalidEvent = errors.New("delivery: invalid event")
)

// PersistenceError means the conversation log was unavailable. The send is
// aborted and the broadcast skipped; the client is told explicitly so it can
// retry. A message the user believes was sent must never silently vanish.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("delivery: persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
