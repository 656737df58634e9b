package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned by Store.Append when the entry's prev_hash is no
	// longer the tenant's tip, i.e. another append won the race. The Appender
	// retries on it; callers outside this package should not see it.
	ErrConflict = errors.New("chain tip conflict")

	// ErrContention is matched by *ContentionError.
	ErrContention = errors.New("chain contention: retries exhausted")

	// ErrNotFound is matched by *NotFoundError.
	ErrNotFound = errors.New("audit entry not found")

	// ErrInvalidInput marks an ActionInput that failed validation.
	ErrInvalidInput = errors.New("invalid audit action")
)

// ContentionError is returned when every append attempt lost the race for the
// tenant's tip. The caller may retry later.
type ContentionError struct {
	TenantID string
	Attempts int
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("chain contention for tenant %s: gave up after %d attempts", e.TenantID, e.Attempts)
}

func (e *ContentionError) Is(target error) bool { return target == ErrContention }

// NotFoundError is returned when a hash does not name a stored entry.
type NotFoundError struct {
	Hash string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("audit entry %s not found", e.Hash)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
