// ABOUTME: Annotation data model for document manipulation
// ABOUTME: Redactions, rotations, page breaks and page deletions with audit fields

package annotation

import (
	"time"

	"github.com/nainya/docsplit/pkg/bookmark"
	"github.com/nainya/docsplit/pkg/coords"
)

// Kind identifies one of the four annotation collections.
type Kind string

const (
	KindRedaction    Kind = "redaction"
	KindRotation     Kind = "rotation"
	KindPageBreak    Kind = "page_break"
	KindPageDeletion Kind = "page_deletion"
)

// ParseKind maps a wire name to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindRedaction, KindRotation, KindPageBreak, KindPageDeletion:
		return k, true
	}
	return "", false
}

// Audit records who touched an annotation and when.
type Audit struct {
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Redaction is a page-space region to obscure on output.
type Redaction struct {
	ID              int64       `json:"id,omitempty"` // persistence id, <=0 while pending
	PageNumber      int         `json:"page_number"`  // 0-based
	Rect            coords.Rect `json:"rect"`
	GUID            string      `json:"guid"` // stable client identity
	Text            string      `json:"text,omitempty"`
	Applied         bool        `json:"applied"`
	DrawOrientation int         `json:"draw_orientation"` // rotation in effect when drawn
	Deleted         bool        `json:"deleted,omitempty"`
	Pending         bool        `json:"pending,omitempty"` // not yet committed by a save
	Audit
}

// Rotation is the rotation applied to one page.
type Rotation struct {
	ID        int64  `json:"id,omitempty"`
	Key       string `json:"key"`
	PageIndex int    `json:"page_index"`
	Rotate    int    `json:"rotate"`
	Deleted   bool   `json:"deleted,omitempty"`
	Pending   bool   `json:"pending,omitempty"`
	Audit
}

// PageBreak marks the first page of a logical document segment.
type PageBreak struct {
	ID            int64            `json:"id,omitempty"`
	Key           string           `json:"key"`
	PageIndex     int              `json:"page_index"`
	Text          string           `json:"text"` // encoded bookmark text
	Type          bookmark.DocType `json:"type"`
	TypeName      string           `json:"type_name,omitempty"`
	ResultImageID string           `json:"result_image_id,omitempty"` // set once a split produced it
	DisplayText   string           `json:"display_text,omitempty"`
	DocumentDate  *time.Time       `json:"document_date,omitempty"`
	Comments      string           `json:"comments,omitempty"`
	Deleted       bool             `json:"deleted,omitempty"`
	Pending       bool             `json:"pending,omitempty"`
	Audit
}

// Bookmark returns the tagged form of the break.
func (b PageBreak) Bookmark() bookmark.Bookmark {
	return bookmark.Bookmark{
		TypeName: b.TypeName,
		Type:     b.Type,
		Date:     b.DocumentDate,
		Comments: b.Comments,
	}
}

// PageDeletion flags a page to be dropped from the output.
type PageDeletion struct {
	ID        int64  `json:"id,omitempty"`
	Key       string `json:"key"`
	PageIndex int    `json:"page_index"`
	Deleted   bool   `json:"deleted,omitempty"`
	Pending   bool   `json:"pending,omitempty"`
	Audit
}

// Metadata holds the document's own header fields.
type Metadata struct {
	Title        string           `json:"title,omitempty"`
	Type         bookmark.DocType `json:"type"`
	DocumentDate *time.Time       `json:"document_date,omitempty"`
	Comments     string           `json:"comments,omitempty"`
}

// Ref selects an annotation for removal. Redactions match by GUID or ID;
// the other kinds by ID or by page index among active entries.
type Ref struct {
	ID        int64
	GUID      string
	PageIndex int
}

// ByID selects by persistence id.
func ByID(id int64) Ref { return Ref{ID: id, PageIndex: -1} }

// ByGUID selects a redaction by client GUID.
func ByGUID(guid string) Ref { return Ref{GUID: guid, PageIndex: -1} }

// ByPage selects the active rotation, break or deletion on a page.
func ByPage(pageIndex int) Ref { return Ref{PageIndex: pageIndex} }

// Set is a plain collection of annotations for one document, as exchanged
// with persistence.
type Set struct {
	Redactions    []Redaction    `json:"redactions"`
	Rotations     []Rotation     `json:"rotations"`
	PageBreaks    []PageBreak    `json:"page_breaks"`
	PageDeletions []PageDeletion `json:"page_deletions"`
}

// Active returns a copy holding only non-deleted entries.
func (s Set) Active() Set {
	var out Set
	for _, r := range s.Redactions {
		if !r.Deleted {
			out.Redactions = append(out.Redactions, r)
		}
	}
	for _, r := range s.Rotations {
		if !r.Deleted {
			out.Rotations = append(out.Rotations, r)
		}
	}
	for _, b := range s.PageBreaks {
		if !b.Deleted {
			out.PageBreaks = append(out.PageBreaks, b)
		}
	}
	for _, d := range s.PageDeletions {
		if !d.Deleted {
			out.PageDeletions = append(out.PageDeletions, d)
		}
	}
	return out
}

// Clone deep-copies the set.
func (s Set) Clone() Set {
	out := Set{
		Redactions:    append([]Redaction(nil), s.Redactions...),
		Rotations:     append([]Rotation(nil), s.Rotations...),
		PageBreaks:    append([]PageBreak(nil), s.PageBreaks...),
		PageDeletions: append([]PageDeletion(nil), s.PageDeletions...),
	}
	for i := range out.PageBreaks {
		if d := out.PageBreaks[i].DocumentDate; d != nil {
			dd := *d
			out.PageBreaks[i].DocumentDate = &dd
		}
	}
	return out
}

// Snapshot is an immutable copy of a document's annotations taken at
// submission time.
type Snapshot struct {
	DocumentID string    `json:"document_id"`
	PageCount  int       `json:"page_count"`
	Metadata   Metadata  `json:"metadata"`
	TakenAt    time.Time `json:"taken_at"`
	TakenBy    string    `json:"taken_by,omitempty"`

	MetadataChanged bool `json:"metadata_changed,omitempty"`
	Set
}
