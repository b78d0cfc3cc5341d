package utils

import (
	"github.com/pkg/errors"
)

// ErrorKind is the discrete category every fallible operation in this module reports.
type ErrorKind int

// The error taxonomy. Failure is the catch-all and should rarely be produced directly.
const (
	Success ErrorKind = iota
	Failure
	InvalidParameter
	InvalidConfiguration
	NotAllowed
	NotSupported
	NotFound
	NotInitialized
	MemoryAllocationFailure
	OpenFailure
	ReadFailure
	WriteFailure
	ParseError
	Cancelled
)

var (
	// ErrFailure is the catch-all sentinel.
	ErrFailure = errors.New("failure")
	// ErrInvalidParameter means one or more parameters is not of the expected format.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrInvalidConfiguration means something is not correctly configured or has conflicting settings.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	// ErrNotAllowed means the operation isn't allowed in the current state.
	ErrNotAllowed = errors.New("not allowed")
	// ErrNotSupported means some combination of inputs isn't supported.
	ErrNotSupported = errors.New("not supported")
	// ErrNotFound means the requested item wasn't found or isn't currently available.
	ErrNotFound = errors.New("not found")
	// ErrNotInitialized means an object hasn't been configured yet or was already released.
	ErrNotInitialized = errors.New("not initialized")
	// ErrMemoryAllocation means a size limit was exceeded.
	ErrMemoryAllocation = errors.New("memory allocation failure")
	// ErrOpenFailure means a resource could not be opened.
	ErrOpenFailure = errors.New("open failure")
	// ErrReadFailure means a resource could not be read.
	ErrReadFailure = errors.New("read failure")
	// ErrWriteFailure means a resource could not be written.
	ErrWriteFailure = errors.New("write failure")
	// ErrParse means an input could not be parsed.
	ErrParse = errors.New("parse error")
	// ErrCancelled means the operation was cancelled, usually by the user.
	ErrCancelled = errors.New("cancelled")
)

var kindSentinels = []struct {
	kind ErrorKind
	err  error
}{
	{InvalidParameter, ErrInvalidParameter},
	{InvalidConfiguration, ErrInvalidConfiguration},
	{NotAllowed, ErrNotAllowed},
	{NotSupported, ErrNotSupported},
	{NotFound, ErrNotFound},
	{NotInitialized, ErrNotInitialized},
	{MemoryAllocationFailure, ErrMemoryAllocation},
	{OpenFailure, ErrOpenFailure},
	{ReadFailure, ErrReadFailure},
	{WriteFailure, ErrWriteFailure},
	{ParseError, ErrParse},
	{Cancelled, ErrCancelled},
	{Failure, ErrFailure},
}

// KindOf returns the kind of the given error. A nil error is Success and an error outside of the
// taxonomy is Failure.
func KindOf(err error) ErrorKind {
	if err == nil {
		return Success
	}
	for _, s := range kindSentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	return Failure
}

// String returns the name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case Success:
		return "success"
	case Failure:
		return ErrFailure.Error()
	default:
		for _, s := range kindSentinels {
			if s.kind == k {
				return s.err.Error()
			}
		}
	}
	return "unknown"
}

// WithKind annotates err with the given kind unless it already carries one.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != Failure {
		return err
	}
	for _, s := range kindSentinels {
		if s.kind == kind {
			return &kindError{cause: err, kind: s.err}
		}
	}
	return err
}

// kindError attaches a kind sentinel to an error produced outside of this module.
type kindError struct {
	cause error
	kind  error
}

func (e *kindError) Error() string {
	return e.cause.Error()
}

func (e *kindError) Unwrap() []error {
	return []error{e.cause, e.kind}
}

// NewInvalidParameterError is used when an argument is out of range or malformed.
func NewInvalidParameterError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidParameter, format, args...)
}

// NewInvalidConfigurationError is used when settings conflict or are missing.
func NewInvalidConfigurationError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfiguration, format, args...)
}

// NewNotAllowedError is used when an operation is rejected in the current state.
func NewNotAllowedError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrNotAllowed, format, args...)
}

// NewNotSupportedError is used for unimplemented combinations of inputs.
func NewNotSupportedError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrNotSupported, format, args...)
}

// NewNotFoundError is used when a lookup fails.
func NewNotFoundError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrNotFound, format, args...)
}

// NewNotInitializedError is used when an object is used before setup or after release.
func NewNotInitializedError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrNotInitialized, format, args...)
}

// NewMemoryAllocationError is used when a size limit is exceeded.
func NewMemoryAllocationError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrMemoryAllocation, format, args...)
}

// NewOpenError wraps a failure to open a resource.
func NewOpenError(err error, format string, args ...interface{}) error {
	return wrapCause(ErrOpenFailure, err, format, args...)
}

// NewReadError wraps a failure to read a resource.
func NewReadError(err error, format string, args ...interface{}) error {
	return wrapCause(ErrReadFailure, err, format, args...)
}

// NewWriteError wraps a failure to write a resource.
func NewWriteError(err error, format string, args ...interface{}) error {
	return wrapCause(ErrWriteFailure, err, format, args...)
}

// NewParseError is used when an input is malformed.
func NewParseError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrParse, format, args...)
}

// NewCancelledError is used when an operation stopped at the caller's request.
func NewCancelledError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCancelled, format, args...)
}

func wrapCause(kind, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return errors.Wrapf(kind, format, args...)
	}
	return errors.Wrapf(&kindError{cause: cause, kind: kind}, format, args...)
}
