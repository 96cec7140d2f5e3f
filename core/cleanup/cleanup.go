// Package cleanup records successfully created resources and releases them in reverse order.
package cleanup

import (
	"fmt"

	"github.com/usnistgov/l2reflector/core/logging"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var logger = logging.New("cleanup")

// Resource identifies a created resource for diagnostics.
type Resource struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

func (r Resource) String() string {
	if r.Name == "" {
		return r.Kind
	}
	return r.Kind + "(" + r.Name + ")"
}

// ReleaseError indicates a failure while releasing one resource.
type ReleaseError struct {
	Resource Resource
	Err      error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("release %s: %v", e.Resource, e.Err)
}

func (e *ReleaseError) Unwrap() error {
	return e.Err
}

type entry struct {
	Resource
	release func() error
}

// Stack is an ordered registry of created resources.
// The zero value is an empty Stack.
//
// Each successful creation step pushes the matching release action.
// Unwind invokes them in reverse order.
type Stack struct {
	entries []entry
}

// Push records a created resource and its release action.
func (s *Stack) Push(kind, name string, release func() error) {
	s.entries = append(s.entries, entry{Resource{kind, name}, release})
}

// Len returns the number of recorded resources.
func (s *Stack) Len() int {
	return len(s.entries)
}

// Resources lists recorded resources in creation order.
func (s *Stack) Resources() (list []Resource) {
	for _, ent := range s.entries {
		list = append(list, ent.Resource)
	}
	return list
}

// Unwind releases every recorded resource in reverse creation order.
// It does not stop on failure: every release action is invoked exactly once.
// The returned error combines one *ReleaseError per failed release, or nil.
// The Stack is empty afterwards.
func (s *Stack) Unwind() (e error) {
	for i := len(s.entries) - 1; i >= 0; i-- {
		ent := s.entries[i]
		s.entries = s.entries[:i]
		if ent.release == nil {
			continue
		}
		if err := ent.release(); err != nil {
			e = multierr.Append(e, &ReleaseError{Resource: ent.Resource, Err: err})
		}
	}
	return e
}

// RollbackIf unwinds the Stack if *e is a non-nil error.
// *e is left unchanged; release failures are logged.
// This is meant to be deferred in a function with a named error return:
//
//	undo := &cleanup.Stack{}
//	defer undo.RollbackIf(&e)
func (s *Stack) RollbackIf(e *error) {
	if *e == nil || len(s.entries) == 0 {
		return
	}
	n := len(s.entries)
	if err := s.Unwind(); err != nil {
		logger.Error("rollback incomplete",
			zap.NamedError("cause", *e),
			zap.Errors("release", multierr.Errors(err)),
		)
		return
	}
	logger.Debug("rollback complete", zap.Int("released", n), zap.NamedError("cause", *e))
}
