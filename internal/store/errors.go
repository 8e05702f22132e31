package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Store failure kinds. Transient contention is retryable; integrity
// violations surface to the caller without retry.
var (
	ErrRetryable = errors.New("store: retryable")
	ErrConflict  = errors.New("store: conflict")
	ErrNotFound  = errors.New("store: not found")
)

// Classify maps a driver error onto the store failure taxonomy. The original
// error stays wrapped for logging.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "serialization failure") ||
		strings.Contains(msg, "deadlock detected") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset"):
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	return err
}

// IsConflict reports whether the error is an integrity violation.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsRetryable reports whether the error is transient contention.
func IsRetryable(err error) bool { return errors.Is(err, ErrRetryable) }

// IsNotFound reports whether the error is a missing-row condition.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
