// ABOUTME: Processing session model and the backend contract for long-running saves
// ABOUTME: Raw backend status strings are normalized into four states

package session

import (
	"context"
	"strings"
	"time"

	"github.com/nainya/docsplit/pkg/annotation"
	"github.com/nainya/docsplit/pkg/bookmark"
)

// Status is the normalized state of a processing session.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

func (s Status) rank() int {
	switch s {
	case StatusProcessing:
		return 1
	case StatusCompleted, StatusError:
		return 2
	}
	return 0
}

var statusAliases = map[string]Status{
	"queued":      StatusQueued,
	"pending":     StatusQueued,
	"waiting":     StatusQueued,
	"submitted":   StatusQueued,
	"new":         StatusQueued,
	"processing":  StatusProcessing,
	"inprogress":  StatusProcessing,
	"in_progress": StatusProcessing,
	"in-progress": StatusProcessing,
	"running":     StatusProcessing,
	"started":     StatusProcessing,
	"working":     StatusProcessing,
	"completed":   StatusCompleted,
	"complete":    StatusCompleted,
	"done":        StatusCompleted,
	"success":     StatusCompleted,
	"succeeded":   StatusCompleted,
	"finished":    StatusCompleted,
	"error":       StatusError,
	"failed":      StatusError,
	"failure":     StatusError,
	"errored":     StatusError,
}

// Normalize maps a backend status string onto a Status. Unknown values
// fall back to queued.
func Normalize(raw string) Status {
	if s, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return StatusQueued
}

// Operation tags how an output segment was produced.
type Operation string

const (
	OpRenameOnly Operation = "rename_only"
	OpFullSplit  Operation = "full_split"
)

// Segment describes one output document of a completed session.
type Segment struct {
	DocumentID string           `json:"document_id,omitempty"` // new output document id
	Start      int              `json:"start"`                 // first original page, inclusive
	End        int              `json:"end"`                   // exclusive
	PageCount  int              `json:"page_count"`
	Pages      []int            `json:"pages,omitempty"` // surviving original pages
	Type       bookmark.DocType `json:"type"`
	TypeName   string           `json:"type_name,omitempty"`
	Operation  Operation        `json:"operation"`
}

// Result is what a completed session produced.
type Result struct {
	Segments []Segment `json:"segments"`
}

// Submission is the snapshot handed to a backend.
type Submission struct {
	DocumentID  string              `json:"document_id"`
	PageCount   int                 `json:"page_count"`
	SubmittedBy string              `json:"submitted_by,omitempty"`
	Metadata    annotation.Metadata `json:"metadata"`
	annotation.Set
}

// Report is a backend's answer to a status query. Status is raw.
type Report struct {
	Status   string
	Progress *int
	Message  string
	Error    string
	Result   *Result
}

// Backend runs processing sessions.
type Backend interface {
	Submit(ctx context.Context, sub Submission) (string, error)
	Status(ctx context.Context, sessionID string) (*Report, error)
}

// Session is the tracked view of one processing session.
type Session struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	Status      Status    `json:"status"`
	Progress    *int      `json:"progress,omitempty"`
	Message     string    `json:"message,omitempty"`
	Error       string    `json:"error,omitempty"`
	Result      *Result   `json:"result,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Session) clone() Session {
	out := *s
	if s.Progress != nil {
		p := *s.Progress
		out.Progress = &p
	}
	if s.Result != nil {
		r := Result{Segments: append([]Segment(nil), s.Result.Segments...)}
		out.Result = &r
	}
	return out
}
