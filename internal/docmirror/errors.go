package docmirror

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidState     = errors.New("invalid state")
	ErrOffline          = errors.New("network offline")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrConflict         = errors.New("sync conflict")
	ErrClosed           = errors.New("closed")
	ErrNotImplemented   = errors.New("not implemented")
)
