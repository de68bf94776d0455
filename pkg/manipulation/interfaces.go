// ABOUTME: Collaborator contracts consumed by the manipulation orchestrator
// ABOUTME: Persistence, document-type catalog, authorization and page counts

package manipulation

import (
	"context"

	"github.com/nainya/docsplit/pkg/annotation"
	"github.com/nainya/docsplit/pkg/session"
)

// Repository persists committed annotations.
type Repository interface {
	// Load returns the committed, non-deleted annotations and header
	// metadata of a document.
	Load(ctx context.Context, documentID string) (annotation.Set, annotation.Metadata, error)

	// SaveAnnotations persists every pending entry in snap: new entries get
	// ids, entries with ids are updated, deleted entries with ids are soft
	// deleted. The result maps annotation keys (GUID for redactions) to ids.
	SaveAnnotations(ctx context.Context, snap annotation.Snapshot) (map[string]int64, error)

	// SaveMetadata replaces the document header fields.
	SaveMetadata(ctx context.Context, documentID string, meta annotation.Metadata) error

	// SaveIndex persists page breaks only, for saves that need no
	// re-rendering.
	SaveIndex(ctx context.Context, documentID string, breaks []annotation.PageBreak) (map[string]int64, error)

	// SaveOutputs records the documents a processing session produced.
	SaveOutputs(ctx context.Context, documentID string, segments []session.Segment) error
}

// DocumentType is an entry of the document-type catalog.
type DocumentType struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// TypeCatalog lists the document types valid for an offering.
type TypeCatalog interface {
	DocumentTypes(ctx context.Context, offering string) ([]DocumentType, error)
}

// Authorizer decides whether a user may change a document.
type Authorizer interface {
	CanSave(ctx context.Context, user, documentID string) (bool, error)
}

// PageCounter reports the number of pages in a source document.
type PageCounter interface {
	PageCount(ctx context.Context, documentID string) (int, error)
}

// AllowAll authorizes every user.
type AllowAll struct{}

// CanSave always returns true.
func (AllowAll) CanSave(context.Context, string, string) (bool, error) { return true, nil }
