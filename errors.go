package vecstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/vecstore/internal/catalog"
	"github.com/hupe1980/vecstore/internal/lease"
	"github.com/hupe1980/vecstore/internal/record"
	"github.com/hupe1980/vecstore/internal/segment"
)

// ErrorKind classifies the errors returned by the store.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindNotFound
	KindAlreadyExists
	KindDimensionMismatch
	KindCorruptRecord
	KindIO
	KindLockTimeout
	KindInvalidArgument
	KindClosed
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindAlreadyExists:
		return "AlreadyExists"
	case KindDimensionMismatch:
		return "DimensionMismatch"
	case KindCorruptRecord:
		return "CorruptRecord"
	case KindIO:
		return "IOError"
	case KindLockTimeout:
		return "LockTimeout"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

var (
	// ErrNotFound is returned when a collection or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a collection name is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrDuplicateID is returned when an added id is already live or repeated
	// in the batch.
	ErrDuplicateID = fmt.Errorf("%w: duplicate id", ErrAlreadyExists)
	// ErrDimensionMismatch is returned when a vector has the wrong length.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrCorruptRecord is returned when persisted data fails validation.
	ErrCorruptRecord = errors.New("corrupt record")
	// ErrIO is returned when the file system fails.
	ErrIO = errors.New("i/o error")
	// ErrLockTimeout is returned when the write lease was not acquired in time.
	ErrLockTimeout = errors.New("lock timeout")
	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store closed")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindAlreadyExists:
		return ErrAlreadyExists
	case KindDimensionMismatch:
		return ErrDimensionMismatch
	case KindCorruptRecord:
		return ErrCorruptRecord
	case KindIO:
		return ErrIO
	case KindLockTimeout:
		return ErrLockTimeout
	case KindInvalidArgument:
		return ErrInvalidArgument
	case KindClosed:
		return ErrClosed
	default:
		return nil
	}
}

// Error is the error type returned by every store operation.
//
// errors.Is(err, ErrNotFound) and friends match on Kind; the underlying
// cause is available through errors.Unwrap.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel of e's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// DimensionMismatchError reports the expected and actual vector length.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for k := KindNotFound; k <= KindClosed; k++ {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return KindUnknown
}

func newError(op string, kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func invalidArgf(op, format string, args ...any) *Error {
	return newError(op, KindInvalidArgument, fmt.Errorf(format, args...))
}

func dimensionMismatch(op string, expected, actual int) *Error {
	return newError(op, KindDimensionMismatch, &DimensionMismatchError{Expected: expected, Actual: actual})
}

// translateError maps errors of the internal packages onto the public
// kinds. Unrecognized errors are treated as I/O failures.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			return newError(op, e.Kind, e.Err)
		}
		return e
	}

	var kind ErrorKind
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// Caller cancellation is not a store failure; errors.Is still
		// matches the context error through Err.
		kind = KindUnknown
	case errors.Is(err, segment.ErrNotFound), errors.Is(err, catalog.ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, catalog.ErrAlreadyExists):
		kind = KindAlreadyExists
	case errors.Is(err, catalog.ErrInvalidName):
		kind = KindInvalidArgument
	case errors.Is(err, catalog.ErrDimensionFixed):
		kind = KindDimensionMismatch
	case errors.Is(err, record.ErrCorrupt), errors.Is(err, catalog.ErrCorrupt), errors.Is(err, segment.ErrMissing):
		kind = KindCorruptRecord
	case errors.Is(err, lease.ErrTimeout):
		kind = KindLockTimeout
	case errors.Is(err, segment.ErrClosed), errors.Is(err, lease.ErrClosed):
		kind = KindClosed
	default:
		kind = KindIO
	}
	return newError(op, kind, err)
}
