package apperr

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrNoIdentity   = errors.New("not signed in")
	ErrUnsupported  = errors.New("unsupported")
	ErrClosed       = errors.New("closed")
	ErrInvalidState = errors.New("invalid state")
)
