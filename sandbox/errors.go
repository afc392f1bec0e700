package sandbox

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the caller-visible failure modes. Handlers branch on
// these with errors.Is to pick a response; the wrapped detail is safe to
// surface because engine errors are sanitized before wrapping.
var (
	// ErrQuotaExceeded is returned when the per-user or global active
	// sandbox cap is reached.
	ErrQuotaExceeded = errors.New("sandbox quota exceeded")

	// ErrNotFound is returned for an unknown sandbox id.
	ErrNotFound = errors.New("sandbox not found")

	// ErrInvalidState is returned when an operation requires an active
	// sandbox but the sandbox is in some other state.
	ErrInvalidState = errors.New("sandbox is not active")

	// ErrExpired is returned when the sandbox TTL has elapsed.
	ErrExpired = errors.New("sandbox has expired")

	// ErrTimedOut is returned when statement execution exceeds its deadline.
	// Kept distinct from ErrExecutionFailed so callers can suggest a retry
	// instead of a query fix.
	ErrTimedOut = errors.New("query execution timed out")

	// ErrExecutionFailed wraps a sanitized engine-level execution error.
	ErrExecutionFailed = errors.New("query execution failed")

	// ErrProvisioningFailed wraps a schema, user or fixture setup failure.
	ErrProvisioningFailed = errors.New("sandbox provisioning failed")

	// ErrServiceDisabled is returned when the sandbox feature flag is off.
	ErrServiceDisabled = errors.New("sandbox functionality is not enabled")
)

// ValidationError is returned when the query guard rejects a statement before
// execution. It carries the full ordered error list from validation.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid query: %s", strings.Join(e.Errors, ", "))
}
