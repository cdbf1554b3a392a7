package tools

import (
	"errors"
	"fmt"
	"strings"
)

// LockContentionError means another holder owns the operation lock for the
// same idempotency key.
type LockContentionError struct {
	IdempotencyKey string
	OwnerID        string
}

func (e *LockContentionError) Error() string {
	return fmt.Sprintf("operation lock %s held by %s", e.IdempotencyKey, e.OwnerID)
}

// ToolUnavailableError means the tool cannot take calls right now: it is not
// registered, or its circuit breaker is open.
type ToolUnavailableError struct {
	Tool   string
	Reason string
}

func (e *ToolUnavailableError) Error() string {
	return fmt.Sprintf("tool %s unavailable: %s", e.Tool, e.Reason)
}

// ToolExecutionError wraps a failed invocation after retries were exhausted
// or a fatal error short-circuited them.
type ToolExecutionError struct {
	Tool     string
	Action   string
	Attempts int
	Err      error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s action %s failed after %d attempt(s): %v", e.Tool, e.Action, e.Attempts, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// FatalError marks an invocation error that retrying cannot fix.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

var fatalMarkers = []string{"invalid", "not found", "unauthorized", "forbidden", "malformed"}

// isFatal reports whether the error should never be retried. Explicitly
// wrapped FatalErrors qualify, as do messages carrying well-known
// non-transient markers.
func isFatal(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range fatalMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
