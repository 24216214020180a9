// Package errs defines the error type shared by every public operation.
//
// Business declines, connectivity failures and misuse all travel through the
// same channel; Code tells them apart.
package errs

import (
	"errors"
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Code classifies an Error.
type Code int

const (
	CodeUnknown Code = iota
	CodeInvalidArgument
	CodeInvalidState
	CodeInvalidCredentials
	CodeNetwork
	CodeGateway
	CodeDeclined
	CodeReader
	CodeDeferred
	CodeNotFound
	CodeInternal
)

var codeText = map[Code]string{
	CodeUnknown:            "unknown",
	CodeInvalidArgument:    "invalid_argument",
	CodeInvalidState:       "invalid_state",
	CodeInvalidCredentials: "invalid_credentials",
	CodeNetwork:            "network",
	CodeGateway:            "gateway",
	CodeDeclined:           "declined",
	CodeReader:             "reader",
	CodeDeferred:           "deferred",
	CodeNotFound:           "not_found",
	CodeInternal:           "internal",
}

func (c Code) String() string {
	if s, ok := codeText[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Sentinels for errors.Is checks. Any *Error with the same code matches.
var (
	ErrInvalidArgument    = &Error{Code: CodeInvalidArgument}
	ErrInvalidState       = &Error{Code: CodeInvalidState}
	ErrInvalidCredentials = &Error{Code: CodeInvalidCredentials}
	ErrNetwork            = &Error{Code: CodeNetwork}
	ErrGateway            = &Error{Code: CodeGateway}
	ErrDeclined           = &Error{Code: CodeDeclined}
	ErrReader             = &Error{Code: CodeReader}
	ErrDeferred           = &Error{Code: CodeDeferred}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrInternal           = &Error{Code: CodeInternal}
)

// Error carries a code and a human readable message, optionally wrapping the
// underlying cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New returns an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error wrapping err. A nil err yields nil.
func Wrap(code Code, err error, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// WithStack attaches a stack trace to err, skipping the caller's frame, so
// crash reports show where the failure surfaced.
func WithStack(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return goerrors.Wrap(err, 1)
}
