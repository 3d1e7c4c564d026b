// Package errors wraps pkg/errors and adds error codes for the failure
// classes of mesh setup, file input and the migration protocol.
package errors

import (
	"github.com/pkg/errors"
)

// Code identifies a class of error. See Is.
type Code string

const (
	ErrUncoded        Code = "Uncoded"
	ErrSetup          Code = "SetupError"
	ErrFileFormat     Code = "FileFormatError"
	ErrParsingFailed  Code = "ParsingFailed"
	ErrProtocol       Code = "ProtocolError"
	ErrNotImplemented Code = "NotImplemented"
	ErrNotFound       Code = "NotFound"
	ErrAborted        Code = "Aborted"
)

func New(code Code, message string) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: message,
	})
}

func Newf(code Code, format string, args ...interface{}) error {
	return errors.WithStack(codedError{
		Code:    code,
		Message: errors.Errorf(format, args...).Error(),
	})
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

func Cause(err error) error {
	return errors.Cause(err)
}

func Errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

// Is reports whether err, or any error it wraps, carries the code target.
func Is(err error, target Code) bool {
	return errors.Is(err, codedError{Code: target})
}

// CodeOf returns the code of the first coded error in the chain of err, or
// ErrUncoded.
func CodeOf(err error) Code {
	var ce codedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ErrUncoded
}

func Unwrap(err error) error {
	return errors.Unwrap(err)
}

func WithMessage(err error, message string) error {
	return errors.WithMessage(err, message)
}

func WithMessagef(err error, format string, args ...interface{}) error {
	return errors.WithMessagef(err, format, args...)
}

func WithStack(err error) error {
	return errors.WithStack(err)
}

func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

func Wrapf(err error, fmt string, args ...interface{}) error {
	return errors.Wrapf(err, fmt, args...)
}

// WrapCode attaches code to err so that Is(result, code) holds while the
// message of err is kept.
func WrapCode(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(codedError{
		Code:    code,
		Message: message + ": " + err.Error(),
		cause:   err,
	})
}

type codedError struct {
	Code    Code
	Message string
	cause   error
}

func (ce codedError) Error() string {
	return ce.Message
}

func (ce codedError) Is(err error) bool {
	if e, ok := err.(codedError); ok && ce.Code == e.Code {
		return true
	}
	return false
}

func (ce codedError) Unwrap() error {
	return ce.cause
}
