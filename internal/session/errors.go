package session

import "errors"

var (
	ErrDuplicateSession  = errors.New("session already exists")
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionTerminated = errors.New("session terminated")
	ErrSessionLimit      = errors.New("maximum session limit reached")
	ErrRegistryClosed    = errors.New("session registry is shut down")
)
