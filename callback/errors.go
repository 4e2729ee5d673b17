package callback

import (
	"fmt"

	"github.com/mewmew/bridge/catalog"
	"github.com/pkg/errors"
)

// Reasons of trampoline generation errors, matched with errors.Is.
var (
	// ErrCatalogInconsistency reports that a native to lifted callback was
	// requested for a native object without lifted translation; the catalog
	// and the lifted function registry disagree.
	ErrCatalogInconsistency = errors.New("catalog inconsistency")
	// ErrUnreachableTarget reports that a lifted to native callback was
	// requested for a native object which is not a valid native call target.
	ErrUnreachableTarget = errors.New("unreachable native target")
	// ErrGeneration reports that the code generation primitives rejected the
	// requested signature or calling convention.
	ErrGeneration = errors.New("generation failure")
)

// Error is an error generating the trampoline of a native object.
type Error struct {
	// Native object of the requested trampoline.
	Object *catalog.NativeObject
	// Requested transition kind.
	Kind Kind
	// Reason of failure; one of ErrCatalogInconsistency, ErrUnreachableTarget
	// and ErrGeneration.
	Reason error
	// Underlying error; may be nil.
	Err error
}

// newError returns a new trampoline generation error.
func newError(o *catalog.NativeObject, kind Kind, reason, err error) *Error {
	return &Error{Object: o, Kind: kind, Reason: reason, Err: err}
}

// Error returns the error message.
func (e *Error) Error() string {
	msg := fmt.Sprintf("unable to generate %v callback for %v; %v", e.Kind, e.Object, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is the reason of the error.
func (e *Error) Is(target error) bool {
	return target == e.Reason
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}
