package session

import "errors"

var (
	// ErrUnknownSession indicates a poll for a session that is not tracked
	ErrUnknownSession = errors.New("session: unknown session")

	// ErrBackend wraps transport or availability failures talking to a backend
	ErrBackend = errors.New("session: backend unavailable")
)
