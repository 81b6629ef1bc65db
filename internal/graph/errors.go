package graph

import (
	"errors"
	"fmt"
)

// Error kinds. Every typed error below reports errors.Is against exactly one
// of these, so callers can branch on the kind without knowing the type.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("version conflict")
	ErrTransaction       = errors.New("transaction aborted")
	ErrSyncLogCorruption = errors.New("sync log entry corrupt")
)

// ValidationError reports malformed input rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports a referenced entity that is missing or tombstoned.
type NotFoundError struct {
	Kind EntityType
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports a failed optimistic version check. The caller must
// refetch the entity and retry with its current version.
type ConflictError struct {
	Kind     EntityType
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: expected version %d, found %d", e.Kind, e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// TransactionError reports a multi-row write that was rolled back as a whole.
// The cause stays reachable through errors.Is/As.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("%s rolled back: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

func (e *TransactionError) Is(target error) bool { return target == ErrTransaction }

// SyncLogCorruptionError reports a journal entry whose snapshot cannot be
// decoded. Exchanges skip such entries instead of failing.
type SyncLogCorruptionError struct {
	EntryID string
	Err     error
}

func (e *SyncLogCorruptionError) Error() string {
	return fmt.Sprintf("sync log entry %s: %v", e.EntryID, e.Err)
}

func (e *SyncLogCorruptionError) Unwrap() error { return e.Err }

func (e *SyncLogCorruptionError) Is(target error) bool { return target == ErrSyncLogCorruption }
