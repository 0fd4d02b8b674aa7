package registration

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceMismatch is wrapped when operands live on different devices.
	ErrDeviceMismatch = errors.New("device mismatch")
	// ErrDtypeMismatch is wrapped when operands have different precisions.
	ErrDtypeMismatch = errors.New("dtype mismatch")
	// ErrShapeMismatch is wrapped when a transform is not 4x4.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrInvalidArgument is wrapped for out-of-range indices and bad parameters.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrIndexNotInitialized is returned when a nearest neighbour index is
	// queried before a successful build with a large enough radius. It signals
	// a call-order bug rather than bad data and is never wrapped in a
	// PreconditionError.
	ErrIndexNotInitialized = errors.New("nearest neighbour index is not set")

	// ErrMissingNormals is returned by estimators that need target normals.
	ErrMissingNormals = errors.New("target point cloud has no normals")
)

// PreconditionError reports input validation failures detected before any
// computation starts.
//
// The category (ErrDeviceMismatch, ErrDtypeMismatch, ...) is reachable via
// errors.Is.
type PreconditionError struct {
	Op     string
	Reason string
	cause  error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, e.cause, e.Reason)
}

func (e *PreconditionError) Unwrap() error { return e.cause }

func preconditionf(op string, cause error, format string, args ...any) error {
	return &PreconditionError{Op: op, Reason: fmt.Sprintf(format, args...), cause: cause}
}
