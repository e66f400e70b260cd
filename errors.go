package knowbase

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound indicates a lookup miss. Often non-fatal and caller-visible.
	ErrNotFound = errors.New("knowledge unit not found")

	// ErrBackendUnavailable indicates a connection or driver failure.
	// Retrying is at the caller's discretion; it is never silently swallowed.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrSchemaMismatch indicates a backend lacks an expected table, column
	// or collection. Surfaced rather than auto-repaired, except for the
	// placeholder-unit schema bootstrap at store construction.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrValidation indicates a malformed id, malformed tag shape, unknown
	// kind, or an invalid configuration value.
	ErrValidation = errors.New("validation failed")
)

// PartialError reports a fan-out failure together with the completion state
// of the components involved, so partially-completed per-store work is never
// abandoned silently.
type PartialError struct {
	// Op is the operation that failed, e.g. "batch_upsert".
	Op string

	// Err is the first error encountered.
	Err error

	// Succeeded lists the component names that completed before the failure.
	Succeeded []string

	// Failed is the component name the error originated from.
	Failed string
}

func (e *PartialError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %v (failed on %q", e.Op, e.Err, e.Failed)
	if len(e.Succeeded) > 0 {
		fmt.Fprintf(&b, ", succeeded: %s", strings.Join(e.Succeeded, ", "))
	}
	b.WriteString(")")
	return b.String()
}

func (e *PartialError) Unwrap() error { return e.Err }
