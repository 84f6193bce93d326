package operation

import (
	"context"
	"errors"
	"fmt"

	"github.com/gridrepl/gridrepl/internal/rms"
	"github.com/gridrepl/gridrepl/internal/transfer"
)

// NoScheduledOperationError is returned by Callback when the request is no
// longer waiting on the operation. It needs an operator to look at it.
type NoScheduledOperationError struct {
	RequestID   int64
	OperationID int64
	Status      rms.Status
	Message     string
}

func (e *NoScheduledOperationError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("request %d is not waiting on operation %d: %s", e.RequestID, e.OperationID, e.Message)
	}
	return fmt.Sprintf("request %d is not waiting on operation %d (status %s)", e.RequestID, e.OperationID, e.Status)
}

// IsRetryable reports whether err may go away by retrying on a later cycle.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var noSched *NoScheduledOperationError
	var transition *transfer.TransitionError
	switch {
	case errors.As(err, &noSched), errors.As(err, &transition):
		return false
	case errors.Is(err, transfer.ErrAlreadySubmitted),
		errors.Is(err, rms.ErrRequestNotFound),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}
