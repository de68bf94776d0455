package manipulation

import "errors"

var (
	// ErrPermissionDenied indicates the user may not change the document
	ErrPermissionDenied = errors.New("manipulation: permission denied")

	// ErrUnknownDocumentType indicates a page break tagged with a type the
	// catalog does not offer
	ErrUnknownDocumentType = errors.New("manipulation: unknown document type")

	// ErrDocumentNotOpen indicates an operation on a document with no open state
	ErrDocumentNotOpen = errors.New("manipulation: document not open")

	// ErrUnknownSession indicates a poll for a session this orchestrator never submitted
	ErrUnknownSession = errors.New("manipulation: unknown session")
)
