// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package apierr is the error taxonomy shared by every layer that can
// fail in a way the HTTP boundary needs to render: a Kind, not a
// concrete type hierarchy, so callers can type-switch once at the edge.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	Validation          Kind = "VALIDATION"
	Unauth              Kind = "UNAUTH"
	Forbidden           Kind = "FORBIDDEN"
	NotFound            Kind = "NOT_FOUND"
	Conflict            Kind = "CONFLICT"
	InvalidRefresh       Kind = "INVALID_REFRESH"
	TransientDependency Kind = "TRANSIENT_DEPENDENCY"
)

// Error is the envelope every package in this module returns for
// anything the HTTP boundary must render as a structured failure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Message: msg}
}

func Wrap(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Message: msg, Cause: cause}
}

// As reports whether err carries an *Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to the HTTP status code the API surface returns
// for it.
func HTTPStatus(k Kind) int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case Unauth, InvalidRefresh:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case TransientDependency:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
