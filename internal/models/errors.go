package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures across ingest and processing.
type ErrorKind string

const (
	KindInput      ErrorKind = "input"
	KindStorage    ErrorKind = "storage"
	KindNotFound   ErrorKind = "not_found"
	KindProcessing ErrorKind = "processing"
	KindUnknown    ErrorKind = "unknown"
)

// Error carries a kind and the operation that failed.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func InputError(op string, err error) error {
	return &Error{Kind: KindInput, Op: op, Err: err}
}

func StorageError(op string, err error) error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

func NotFoundError(op string, err error) error {
	return &Error{Kind: KindNotFound, Op: op, Err: err}
}

func ProcessingError(op string, err error) error {
	return &Error{Kind: KindProcessing, Op: op, Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

type permanentError struct {
	err error
}

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Transforms use it for inputs
// that can never succeed, such as an empty source.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent or is a NotFound.
func IsPermanent(err error) bool {
	var p permanentError
	if errors.As(err, &p) {
		return true
	}
	return KindOf(err) == KindNotFound
}
