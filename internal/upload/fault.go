package upload

import (
	"context"
	"errors"
	"net"

	"github.com/adityacheruku/kuchlu-sub000/internal/api"
)

// Fault wraps an upload error with its retry classification. Retryable
// faults (network loss, server 5xx, timeouts) leave the task eligible for
// a user-initiated retry from scratch; non-retryable faults (bad request,
// oversized or missing file, auth rejection) are final.
type Fault struct {
	Err       error
	Retryable bool
}

func (f *Fault) Error() string { return f.Err.Error() }
func (f *Fault) Unwrap() error { return f.Err }

// classify maps an arbitrary attempt error onto a Fault.
func classify(err error) *Fault {
	var fault *Fault
	if errors.As(err, &fault) {
		return fault
	}
	if errors.Is(err, api.ErrAuthRejected) {
		return &Fault{Err: err, Retryable: false}
	}
	var status *api.StatusError
	if errors.As(err, &status) {
		return &Fault{Err: err, Retryable: status.Code >= 500}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Fault{Err: err, Retryable: true}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Fault{Err: err, Retryable: true}
	}
	// Unknown transport-level failure: assume the network, not the file.
	return &Fault{Err: err, Retryable: true}
}
