package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotHeld          = errors.New("lock not held")
	ErrInvalidTTL       = errors.New("invalid lock ttl")
)
