package ratings

import (
	"context"
	"errors"
	"fmt"

	"github.com/eroshiva/rateable/pkg/store"
)

// Kind classifies failures of the rating core.
type Kind string

const (
	// KindNotFound means the referenced parent or child does not exist.
	KindNotFound Kind = "NotFound"
	// KindInvalidArgument means the submitted rating or rater is malformed or missing.
	KindInvalidArgument Kind = "InvalidArgument"
	// KindDataIntegrity means a rating child lacks a well-formed integer rating.
	KindDataIntegrity Kind = "DataIntegrity"
	// KindConflict means a concurrent write to the same parent was detected.
	KindConflict Kind = "Conflict"
	// KindStoreUnavailable means the store could not serve the operation, retries included.
	KindStoreUnavailable Kind = "StoreUnavailable"
)

// Error is the error type returned by the Aggregator and the Gateway.
type Error struct {
	Kind Kind
	Op   string
	Ref  store.Ref
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + string(e.Kind)
	if e.Ref != "" {
		msg += " (" + e.Ref.String() + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, op string, ref store.Ref, err error) *Error {
	return &Error{Kind: kind, Op: op, Ref: ref, Err: err}
}

func invalidArgument(op string, ref store.Ref, format string, args ...any) *Error {
	return newError(KindInvalidArgument, op, ref, fmt.Errorf(format, args...))
}

// KindOf returns the kind of err. Errors not produced by this package are classified by the
// store sentinel they wrap, falling back to StoreUnavailable.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, store.ErrConflict):
		return KindConflict
	case errors.Is(err, store.ErrUnsupportedValue), errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, store.ErrReservedProperty):
		return KindInvalidArgument
	default:
		return KindStoreUnavailable
	}
}

// IsKind reports whether err is of the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// classify wraps a store error into an *Error unless it already is one.
func classify(op string, ref store.Ref, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newError(KindStoreUnavailable, op, ref, err)
	}
	return newError(KindOf(err), op, ref, err)
}
