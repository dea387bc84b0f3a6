package domain

import (
	"errors"
	"net/http"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already exists")
)

// ErrorKind classifies a pipeline failure so the HTTP boundary can map it to
// a status code without inspecting error strings.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindClient
	KindAuth
	KindBackend
	KindListing
)

// Error is the result type propagated through the completion pipeline.
// Every stage returns one instead of raising; the API layer is the single
// place a kind becomes an HTTP status.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

func NewClientError(message string) *Error {
	return &Error{Kind: KindClient, Message: message}
}

func NewAuthError(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

func NewBackendError(message string, err error) *Error {
	return &Error{Kind: KindBackend, Message: message, Err: err}
}

func NewListingError(message string, err error) *Error {
	return &Error{Kind: KindListing, Message: message, Err: err}
}

// HTTPStatus maps an error to its response status. Unclassified errors are
// treated as internal so backend detail never leaks to the caller.
func HTTPStatus(err error) int {
	var de *Error
	if !errors.As(err, &de) {
		return http.StatusInternalServerError
	}
	switch de.Kind {
	case KindClient:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
