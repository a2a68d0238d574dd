package sequence

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrConditionFailed is returned by a single attempt when another writer
	// advanced the counter first. Put and Allocate retry it internally.
	ErrConditionFailed = errors.New("sequence: counter was advanced concurrently")

	// ErrDuplicateKey is returned when the item being inserted already exists.
	ErrDuplicateKey = errors.New("sequence: item already exists")

	// ErrAllocationExhausted is returned when every attempt lost the race, or the
	// caller's context ended before an attempt succeeded.
	ErrAllocationExhausted = errors.New("sequence: allocation attempts exhausted")

	// ErrStore is returned when a DynamoDB request fails for any reason other
	// than a condition check.
	ErrStore = errors.New("sequence: store request failed")

	// ErrInvalidConfig is returned before any request is made when the step,
	// attempt budget, or names are unusable.
	ErrInvalidConfig = errors.New("sequence: invalid configuration")

	// ErrOverflow is returned when the next value does not fit in an int64.
	ErrOverflow = fmt.Errorf("%w: counter overflow", ErrInvalidConfig)

	// ErrNotFound is returned when a counter or item doesn't exist.
	ErrNotFound = errors.New("sequence: not found")
)

// AllocationError describes a failed Put, Allocate, or History.Put.
type AllocationError struct {
	// SequenceKey identifies the counter that was being advanced.
	SequenceKey string

	// Attempts is the number of read-write cycles that were started.
	Attempts int

	// LastObserved is the counter value read by the final attempt, or nil if
	// the counter did not exist or was never read.
	LastObserved *int64

	Err error
}

func (e *AllocationError) Error() string {
	observed := "none"
	if e.LastObserved != nil {
		observed = strconv.FormatInt(*e.LastObserved, 10)
	}
	return fmt.Sprintf("sequence %q: %d attempts, last observed %s: %v",
		e.SequenceKey, e.Attempts, observed, e.Err)
}

func (e *AllocationError) Unwrap() error {
	return e.Err
}
