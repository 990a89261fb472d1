package lifecycle

import (
	"errors"
	"fmt"
	"net/http"
)

// Class buckets an operation failure for transport mapping and metrics.
type Class string

const (
	ClassValidation  Class = "validation"
	ClassConflict    Class = "conflict"
	ClassNotFound    Class = "not_found"
	ClassUnavailable Class = "unavailable"
	ClassInternal    Class = "internal"
)

// Error is a classified operation failure. The gateway maps Class to an HTTP
// status; anything unclassified is treated as internal so store and authority
// detail never leaks to callers.
type Error struct {
	Class Class
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Validationf(format string, args ...any) error {
	return &Error{Class: ClassValidation, Msg: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) error {
	return &Error{Class: ClassConflict, Msg: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) error {
	return &Error{Class: ClassNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Unavailablef(err error, format string, args ...any) error {
	return &Error{Class: ClassUnavailable, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Internalf(err error, format string, args ...any) error {
	return &Error{Class: ClassInternal, Msg: fmt.Sprintf(format, args...), Err: err}
}

// ClassOf classifies any error. Unwrapped errors are internal.
func ClassOf(err error) Class {
	var le *Error
	if errors.As(err, &le) {
		return le.Class
	}
	return ClassInternal
}

// HTTPStatus maps an error class to the response status code.
func HTTPStatus(err error) int {
	switch ClassOf(err) {
	case ClassValidation:
		return http.StatusBadRequest
	case ClassConflict:
		return http.StatusConflict
	case ClassNotFound:
		return http.StatusNotFound
	case ClassUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the error text safe to hand to callers. Internal
// failures collapse to a generic message.
func PublicMessage(err error) string {
	var le *Error
	if errors.As(err, &le) && le.Class != ClassInternal {
		return le.Msg
	}
	return "internal error"
}
