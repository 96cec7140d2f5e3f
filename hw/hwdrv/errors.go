package hwdrv

import (
	"errors"
	"fmt"
)

// Error categories.
// Every error returned by a Driver or by the provisioning packages wraps exactly one of these.
var (
	ErrNotFound     = errors.New("not found")
	ErrDriver       = errors.New("driver error")
	ErrNoMemory     = errors.New("out of memory")
	ErrInvalidValue = errors.New("invalid value")
)

// OpError describes a failed driver call.
type OpError struct {
	Op     string // driver function name
	Err    error  // one of the error categories
	Status int    // driver status or errno, 0 if unknown
}

func (e *OpError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v (status %d)", e.Op, e.Err, e.Status)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// NewOpError constructs an *OpError.
func NewOpError(op string, err error, status int) error {
	return &OpError{Op: op, Err: err, Status: status}
}

// Category returns the error category of e, or nil if e does not wrap a known category.
func Category(e error) error {
	for _, c := range []error{ErrNotFound, ErrNoMemory, ErrInvalidValue, ErrDriver} {
		if errors.Is(e, c) {
			return c
		}
	}
	return nil
}
