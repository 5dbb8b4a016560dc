package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Protection errors
	ErrInvalidAddress     = errors.New("invalid IP address")
	ErrInvalidSubject     = errors.New("invalid lockout subject")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUpstream           = errors.New("credential verifier unavailable")
	ErrStorage            = errors.New("storage unavailable")
)
