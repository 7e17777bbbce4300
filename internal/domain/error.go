package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeParseFailed      ErrorCode = "PARSE_FAILED"
	CodeEnvFailed        ErrorCode = "ENV_FAILED"
	CodeToolFault        ErrorCode = "TOOL_FAULT"
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeFailedPrecond    ErrorCode = "FAILED_PRECONDITION"
	CodeInternal         ErrorCode = "INTERNAL"
	CodeCanceled         ErrorCode = "CANCELED"
)

type Error struct {
	Code      ErrorCode
	Op        string
	Message   string
	Cause     error
	Retryable bool
	Trace     string
	Meta      map[string]string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:    code,
		Op:      op,
		Message: msg,
		Cause:   cause,
	}
}

func Wrap(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &Error{
			Code:      existing.Code,
			Op:        op,
			Message:   existing.Message,
			Cause:     existing.Cause,
			Retryable: existing.Retryable,
			Trace:     existing.Trace,
			Meta:      existing.Meta,
		}
	}
	return E(code, op, "", err)
}

// CodeFrom maps an error to its machine-readable code. Sentinel errors from
// errors.go are classified even when they were wrapped outside the runtime.
func CodeFrom(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code, true
	}
	switch {
	case errors.Is(err, ErrToolNotFound), errors.Is(err, ErrEntryPointNotFound):
		return CodeNotFound, true
	case errors.Is(err, ErrSyntax), errors.Is(err, ErrMissingMetadata), errors.Is(err, ErrUnsupportedSignature):
		return CodeParseFailed, true
	case errors.Is(err, ErrProvisionFailed), errors.Is(err, ErrEnvironmentEvicted):
		return CodeEnvFailed, true
	case errors.Is(err, ErrInterpreterNotFound):
		return CodeFailedPrecond, true
	case errors.Is(err, ErrRuntimeClosed):
		return CodeUnavailable, true
	default:
		return "", false
	}
}
