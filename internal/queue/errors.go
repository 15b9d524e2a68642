package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrItemNotFound is returned when an item id does not exist within a tenant
	ErrItemNotFound = errors.New("sync item not found")

	// ErrInvalidTransition is returned when a status change would violate the
	// item state machine (e.g. completing an item that is not in progress)
	ErrInvalidTransition = errors.New("invalid sync item status transition")
)

// ValidationError describes a malformed enqueue request. It is returned
// synchronously; an invalid item never enters the queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid sync item: %s %s", e.Field, e.Reason)
}
