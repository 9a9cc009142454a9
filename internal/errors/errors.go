package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes
// and chat outcomes.
type Code int

const (
	CodeSuccess     Code = 0
	CodeInternal    Code = 1
	CodeUsage       Code = 2
	CodeAuth        Code = 10
	CodeRateLimited Code = 11
	CodeUnavailable Code = 12
	CodeUnsupported Code = 13

	CodeUnauthorized     Code = 20
	CodeMissingParameter Code = 21
	CodeUnknownCommand   Code = 22
	CodeNoPendingAction  Code = 23
	CodeExecutionFailure Code = 24
	CodeCancelled        Code = 25
	CodeLedger           Code = 26
	CodeSigner           Code = 27
)

var codeNames = map[Code]string{
	CodeSuccess:          "success",
	CodeInternal:         "internal",
	CodeUsage:            "usage",
	CodeAuth:             "auth",
	CodeRateLimited:      "rate_limited",
	CodeUnavailable:      "unavailable",
	CodeUnsupported:      "unsupported",
	CodeUnauthorized:     "unauthorized",
	CodeMissingParameter: "missing_parameter",
	CodeUnknownCommand:   "unknown_command",
	CodeNoPendingAction:  "no_pending_action",
	CodeExecutionFailure: "execution_failure",
	CodeCancelled:        "cancelled",
	CodeLedger:           "ledger",
	CodeSigner:           "signer",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(c))
}

// Error is a typed error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, CodeInternal for untyped errors.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	if typed, ok := As(err); ok {
		return typed.Code
	}
	return CodeInternal
}

func ExitCode(err error) int {
	return int(CodeOf(err))
}
