package storage

import (
	"errors"
	"fmt"

	"ledger-risk/internal/ledger"
)

// Storage error kinds.
var (
	// ErrConnectionFailed indicates a failure to reach ClickHouse.
	ErrConnectionFailed = errors.New("storage: connection failed")

	// ErrQueryFailed indicates a query or scan failure.
	ErrQueryFailed = errors.New("storage: query failed")

	// ErrBatchInsertFailed indicates a batch insert failure.
	ErrBatchInsertFailed = errors.New("storage: batch insert failed")

	// ErrWriterClosed indicates a write to a closed ledger writer.
	ErrWriterClosed = errors.New("storage: writer closed")
)

// StorageError wraps storage errors with the failing operation and table.
type StorageError struct {
	Op      string // Operation that failed (e.g., "ScanTransactions", "Ping")
	Table   string // Table involved, if applicable
	Err     error  // Underlying error
	Retries int    // Number of retries attempted, if applicable
}

// Error returns the error message.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage.%s(%s): %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("storage.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is makes connection and query failures match ledger.ErrUnavailable so the
// engine can treat every backend alike.
func (e *StorageError) Is(target error) bool {
	if target != ledger.ErrUnavailable {
		return false
	}
	return errors.Is(e.Err, ErrConnectionFailed) || errors.Is(e.Err, ErrQueryFailed)
}

// IsConnectionError checks if the error is a connection error.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionFailed)
}

// IsQueryError checks if the error is a query error.
func IsQueryError(err error) bool {
	return errors.Is(err, ErrQueryFailed)
}

// IsRetryable checks if a failed operation may succeed on retry.
func IsRetryable(err error) bool {
	return IsConnectionError(err) || errors.Is(err, ErrBatchInsertFailed)
}

// WrapConnectionError wraps an error as a connection error.
func WrapConnectionError(op string, err error) error {
	return &StorageError{
		Op:  op,
		Err: fmt.Errorf("%w: %v", ErrConnectionFailed, err),
	}
}

// WrapQueryError wraps an error as a query error.
func WrapQueryError(op, table string, err error) error {
	return &StorageError{
		Op:    op,
		Table: table,
		Err:   fmt.Errorf("%w: %w", ErrQueryFailed, err),
	}
}

// WrapBatchError wraps a batch insert failure after retries.
func WrapBatchError(table string, err error, retries int) error {
	return &StorageError{
		Op:      "InsertBatch",
		Table:   table,
		Err:     fmt.Errorf("%w: %v", ErrBatchInsertFailed, err),
		Retries: retries,
	}
}
