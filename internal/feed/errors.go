package feed

import (
	"errors"
	"fmt"
)

// ErrEmptyPayload is returned by the content store when a put carries no
// payload bytes.
var ErrEmptyPayload = errors.New("empty content payload")

// StorageError wraps a failure of the durable key-value store. The operation
// that hit it fails, but reads fall back to in-memory state where possible.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NetworkError tags a provider failure as retryable or not. The sync
// coordinator retries retryable failures with backoff and drops the rest.
type NetworkError struct {
	Retryable bool
	Err       error
}

func (e *NetworkError) Error() string {
	kind := "non-retryable"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("network (%s): %v", kind, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimezoneComputationError marks a failed next-refresh computation. The
// scheduler answers it with a fixed-interval fallback instead of leaving the
// refresh unscheduled.
type TimezoneComputationError struct {
	ZoneID string
	Err    error
}

func (e *TimezoneComputationError) Error() string {
	return fmt.Sprintf("timezone computation for %q: %v", e.ZoneID, e.Err)
}

func (e *TimezoneComputationError) Unwrap() error { return e.Err }

// ValidationError marks a payload the backend rejected as malformed. It is
// never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s", e.Reason)
}

// Retryable reports whether err should be retried by the sync coordinator.
// Validation failures and network errors tagged non-retryable are dropped;
// everything else (timeouts, transient transport faults, storage hiccups) is
// retried.
func Retryable(err error) bool {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Retryable
	}
	return true
}
