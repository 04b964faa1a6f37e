package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDataShape is returned when an identifier, filter, update or option
	// cannot be translated (malformed identifier, ambiguous shard pin,
	// wrongly typed option, update without mutations).
	ErrDataShape = errors.New("shardwise: malformed data shape")

	// ErrPartialFailure is matched by every *PartialFailureError.
	ErrPartialFailure = errors.New("shardwise: operation partially applied")

	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = errors.New("shardwise: invalid configuration")

	// ErrNotFound is returned by backends that cannot resolve a named
	// collection or table. Missing documents are never an error.
	ErrNotFound = errors.New("shardwise: collection not found")
)

// dataShapef wraps ErrDataShape with context.
func dataShapef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDataShape, fmt.Sprintf(format, args...))
}

// SubError is the failure of one sub-operation of a fan-out or batch.
type SubError struct {
	// Shard is the shard-key value the sub-operation was scoped to, if any.
	Shard string

	// Index is the position of the payload in a batch call, or -1.
	Index int

	Err error
}

// PartialFailureError reports a cross-shard or batch operation where some
// sub-operations committed before others failed. Committed work is not
// rolled back and is visible to readers.
type PartialFailureError struct {
	Op        string
	Completed int
	Failures  []SubError
}

func (e *PartialFailureError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		switch {
		case f.Index >= 0:
			parts = append(parts, fmt.Sprintf("item %d: %v", f.Index, f.Err))
		default:
			parts = append(parts, fmt.Sprintf("shard %q: %v", f.Shard, f.Err))
		}
	}
	return fmt.Sprintf("shardwise: %s partially applied (%d completed, %d failed): %s",
		e.Op, e.Completed, len(e.Failures), strings.Join(parts, "; "))
}

// Is matches ErrPartialFailure.
func (e *PartialFailureError) Is(target error) bool {
	return target == ErrPartialFailure
}

// Unwrap exposes the underlying errors to errors.Is and errors.As.
func (e *PartialFailureError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// failure builds the error for a set of settled sub-operations. Nothing
// completed means nothing was applied, so the store errors are returned as
// they are.
func failure(op string, completed int, failures []SubError) error {
	if len(failures) == 0 {
		return nil
	}
	if completed == 0 {
		if len(failures) == 1 {
			return failures[0].Err
		}
		errs := make([]error, len(failures))
		for i, f := range failures {
			errs[i] = f.Err
		}
		return errors.Join(errs...)
	}
	return &PartialFailureError{Op: op, Completed: completed, Failures: failures}
}
