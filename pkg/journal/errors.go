// Package journal implements a durable append-only log of processing sessions
package journal

import "errors"

var (
	// ErrCorrupted indicates a corrupted journal record (CRC mismatch)
	ErrCorrupted = errors.New("journal: corrupted record")

	// ErrTruncated indicates a truncated journal record
	ErrTruncated = errors.New("journal: truncated record")

	// ErrClosed indicates an operation on a closed journal
	ErrClosed = errors.New("journal: closed")

	// ErrEmptySessionID indicates a record without a session id
	ErrEmptySessionID = errors.New("journal: empty session id")
)
