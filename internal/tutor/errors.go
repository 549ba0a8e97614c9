package tutor

import (
	"errors"
	"fmt"
)

// ErrSessionFailed is returned by every Advance after a state invariant broke.
var ErrSessionFailed = errors.New("tutor: session failed")

// StateInvariantError reports a cursor or coverage inconsistency. It is fatal
// to the session that raised it and to no other.
type StateInvariantError struct {
	SessionID string
	Detail    string
}

func (e *StateInvariantError) Error() string {
	return fmt.Sprintf("tutor: session %s: state invariant violated: %s", e.SessionID, e.Detail)
}

func (e *StateInvariantError) Is(target error) bool { return target == ErrSessionFailed }

// TransientDeliveryError wraps anything that went wrong while computing a
// directive. The session answers with the fallback and keeps its state.
type TransientDeliveryError struct {
	Err error
}

func (e *TransientDeliveryError) Error() string { return "tutor: delivery: " + e.Err.Error() }
func (e *TransientDeliveryError) Unwrap() error { return e.Err }
