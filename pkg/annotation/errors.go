// ABOUTME: Sentinel and validation errors for annotation mutations
// ABOUTME: ValidationError carries a reason code and the conflicting page break

package annotation

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionInFlight is returned for edits and saves attempted while a
	// processing session for the document has not reached a terminal state.
	ErrSessionInFlight = errors.New("annotation: processing session in flight")

	// ErrNotReserved is returned when a submission is attached or released
	// without a matching reservation.
	ErrNotReserved = errors.New("annotation: no submission reserved")

	// ErrSessionMismatch is returned when a terminal result names a session
	// other than the one the document is waiting on.
	ErrSessionMismatch = errors.New("annotation: session does not match document")
)

// Reason classifies a validation failure.
type Reason string

const (
	ReasonBelowMinimumSize    Reason = "below_minimum_size"
	ReasonPageOutOfRange      Reason = "page_out_of_range"
	ReasonInvalidRotation     Reason = "invalid_rotation"
	ReasonDuplicatePageBreak  Reason = "duplicate_page_break"
	ReasonSegmentHeadDeletion Reason = "segment_head_deletion"
	ReasonInvalidBookmark     Reason = "invalid_bookmark"
	ReasonNotFound            Reason = "not_found"
)

// ValidationError is an expected, locally recoverable rejection of a
// mutation. Conflict names the page break involved, when there is one.
type ValidationError struct {
	Reason    Reason
	Kind      Kind
	PageIndex int
	Message   string
	Conflict  *PageBreak
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("annotation: %s %s on page %d: %s", e.Kind, e.Reason, e.PageIndex, e.Message)
}

// AsValidation unwraps the first *ValidationError in err's chain.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

func invalid(kind Kind, reason Reason, page int, format string, args ...interface{}) *ValidationError {
	return &ValidationError{
		Reason:    reason,
		Kind:      kind,
		PageIndex: page,
		Message:   fmt.Sprintf(format, args...),
	}
}
