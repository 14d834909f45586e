package event

import (
	"errors"
	"fmt"
)

// Code classifies a registration failure so callers can branch on it without
// parsing messages.
type Code int

const (
	CodeInternal Code = iota + 1
	CodeInvalidArgument
	CodeResourceExhausted
	CodeAlreadyExists
	CodeDeadlineExceeded
	CodeUnavailable
)

var codeNames = map[Code]string{
	CodeInternal:          "internal",
	CodeInvalidArgument:   "invalid_argument",
	CodeResourceExhausted: "resource_exhausted",
	CodeAlreadyExists:     "already_exists",
	CodeDeadlineExceeded:  "deadline_exceeded",
	CodeUnavailable:       "unavailable",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// ParseCode is the inverse of Code.String. Unknown names map to CodeInternal.
func ParseCode(s string) Code {
	for c, name := range codeNames {
		if name == s {
			return c
		}
	}
	return CodeInternal
}

// Status is the structured failure carried by a Registered response.
type Status struct {
	Code    Code
	Message string
}

// Errorf builds a Status with a formatted message.
func Errorf(code Code, format string, args ...any) *Status {
	return &Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (s *Status) Error() string {
	return s.Code.String() + ": " + s.Message
}

// StatusFromError returns the Status carried by err, or wraps err as an
// internal failure. A nil error yields nil.
func StatusFromError(err error) *Status {
	if err == nil {
		return nil
	}
	var st *Status
	if errors.As(err, &st) {
		return st
	}
	return &Status{Code: CodeInternal, Message: err.Error()}
}

// CodeOf reports the Code of err, CodeInternal when err carries none.
func CodeOf(err error) Code {
	var st *Status
	if errors.As(err, &st) {
		return st.Code
	}
	return CodeInternal
}
