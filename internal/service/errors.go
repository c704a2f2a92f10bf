package service

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Error kinds. Every *APIError unwraps to exactly one of them.
var (
	// ErrNetwork means no response was received (timeout, offline).
	ErrNetwork = errors.New("network error")
	// ErrAuth means the credential was rejected (401/403).
	ErrAuth = errors.New("authentication error")
	// ErrValidation means the request was rejected with field-level detail (400).
	ErrValidation = errors.New("validation error")
	// ErrServer means a 5xx status or a malformed payload.
	ErrServer = errors.New("server error")
)

var (
	// ErrNoRefreshToken is returned by a refresh attempt when no refresh token is held.
	ErrNoRefreshToken = errors.New("no refresh token")
	// ErrNotAuthenticated is reported when a session could not be validated.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrSuperseded is returned by a bootstrap run that a newer run replaced.
	ErrSuperseded = errors.New("bootstrap superseded by a newer run")
)

// APIError describes a failed call to the directory API.
type APIError struct {
	Kind   error
	Status int
	Detail string
	Fields map[string][]string
	Err    error
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.Fields) > 0 {
		names := make([]string, 0, len(e.Fields))
		for name := range e.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "; %s: %s", name, strings.Join(e.Fields[name], " "))
		}
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *APIError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// kindForStatus maps a non-2xx status to an error kind.
func kindForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusBadRequest:
		return ErrValidation
	default:
		return ErrServer
	}
}

// IsAuthError reports whether err is a credential rejection.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuth)
}
