package report

import (
	"context"
	"errors"
	"fmt"
)

// Query error kinds. Callers match them with errors.Is.
var (
	// ErrInvalidArgument indicates a malformed request.
	ErrInvalidArgument = errors.New("report: invalid argument")

	// ErrStorageUnavailable indicates the ledger could not serve the query.
	ErrStorageUnavailable = errors.New("report: storage unavailable")

	// ErrDeadlineExceeded indicates the query ran past its deadline.
	ErrDeadlineExceeded = errors.New("report: deadline exceeded")
)

// QueryError wraps a query failure with the stage that produced it.
type QueryError struct {
	Op  string
	Err error
}

// Error returns the error message.
func (e *QueryError) Error() string {
	return fmt.Sprintf("report.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *QueryError) Unwrap() error {
	return e.Err
}

func invalidArgument(op, format string, args ...any) error {
	return &QueryError{
		Op:  op,
		Err: fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...)),
	}
}

// classify maps a failure from the engine or ledger onto a query error kind.
// Deadline and cancellation win over storage errors since a scan aborted by
// the context usually surfaces as a driver error.
func classify(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, ErrInvalidArgument), errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrDeadlineExceeded):
		return err
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &QueryError{Op: op, Err: fmt.Errorf("%w: %w", ErrDeadlineExceeded, err)}
	case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		return &QueryError{Op: op, Err: err}
	default:
		return &QueryError{Op: op, Err: fmt.Errorf("%w: %w", ErrStorageUnavailable, err)}
	}
}

// IsInvalidArgument checks if the error is an invalid argument error.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsStorageUnavailable checks if the error is a storage error.
func IsStorageUnavailable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// IsDeadlineExceeded checks if the error is a timeout.
func IsDeadlineExceeded(err error) bool {
	return errors.Is(err, ErrDeadlineExceeded)
}
