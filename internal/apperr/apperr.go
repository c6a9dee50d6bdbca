// Package apperr classifies service errors so handlers and logs can treat
// them uniformly.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"gorm.io/gorm"
)

type Kind string

const (
	KindValidation       Kind = "validation"
	KindNotFound         Kind = "not_found"
	KindPermissionDenied Kind = "permission_denied"
	KindUnauthorized     Kind = "unauthorized"
	KindConflict         Kind = "conflict"
	KindMandatoryParam   Kind = "mandatory_parameter_missing"
	KindInternal         Kind = "internal"
)

type Error struct {
	Kind    Kind
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Add records a field level message.
func (e *Error) Add(field, msg string) *Error {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[field] = msg
	return e
}

func (e *Error) HasFields() bool { return len(e.Fields) > 0 }

func Validation(msg string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Fields: fields}
}

func NotFound(what string, id any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("You have no %s with the following ID: %v", what, id)}
}

func Forbidden(msg string) *Error {
	if msg == "" {
		msg = "permission denied"
	}
	return &Error{Kind: KindPermissionDenied, Message: msg}
}

func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg}
}

func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: err}
}

// Wrap attaches a kind to an arbitrary error, keeping it for errors.Is/As.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Message: err.Error(), Err: err}
}

// KindOf classifies err. Unknown errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return KindNotFound
	}
	return KindInternal
}

func Status(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindMandatoryParam:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Public returns the message safe to show a client.
func Public(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Kind == KindInternal {
			return "internal error"
		}
		return ae.Error()
	}
	switch KindOf(err) {
	case KindInternal:
		return "internal error"
	case KindNotFound:
		return "not found"
	}
	return err.Error()
}
