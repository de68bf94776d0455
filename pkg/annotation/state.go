// ABOUTME: Per-document manipulation state holding the four annotation collections
// ABOUTME: Enforces annotation invariants on every add, update and soft delete

package annotation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/docsplit/pkg/bookmark"
	"github.com/nainya/docsplit/pkg/coords"
)

// ErrInvalidPageCount is returned for documents without pages.
var ErrInvalidPageCount = errors.New("annotation: page count must be positive")

// sizeEpsilon absorbs float noise when comparing against the minimum size.
const sizeEpsilon = 1e-9

// State is the Document Manipulation State for one open document. All
// methods are safe for concurrent use; mutations are serialized.
type State struct {
	mu sync.Mutex

	documentID string
	pageCount  int

	set             Set
	metadata        Metadata
	metadataChanged bool

	status     Status
	prevStatus Status
	reserved   bool
	sessionID  string
	lastError  string

	lastModified time.Time
	modifiedBy   string
	actor        string

	now func() time.Time
}

// NewState creates an empty state for a document.
func NewState(documentID string, pageCount int) (*State, error) {
	if pageCount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageCount, pageCount)
	}
	return &State{
		documentID: documentID,
		pageCount:  pageCount,
		status:     StatusIdle,
		now:        time.Now,
	}, nil
}

// Load replaces the collections with previously persisted annotations.
// Loaded entries count as committed.
func (s *State) Load(persisted Set, meta Metadata) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := persisted.Clone()
	for i := range set.Redactions {
		r := &set.Redactions[i]
		r.Pending = false
		if r.GUID == "" {
			r.GUID = uuid.NewString()
		}
	}
	for i := range set.Rotations {
		set.Rotations[i].Pending = false
		set.Rotations[i].Key = keyOr(set.Rotations[i].Key)
	}
	for i := range set.PageBreaks {
		pb := &set.PageBreaks[i]
		pb.Pending = false
		pb.Key = keyOr(pb.Key)
		if pb.DisplayText == "" {
			pb.DisplayText = bookmark.Display(pb.Bookmark())
		}
	}
	for i := range set.PageDeletions {
		set.PageDeletions[i].Pending = false
		set.PageDeletions[i].Key = keyOr(set.PageDeletions[i].Key)
	}
	s.set = set
	s.metadata = meta
	s.metadataChanged = false
}

func keyOr(k string) string {
	if k == "" {
		return uuid.NewString()
	}
	return k
}

// SetActor sets the user recorded in audit fields of later mutations.
func (s *State) SetActor(user string) {
	s.mu.Lock()
	s.actor = user
	s.mu.Unlock()
}

// DocumentID returns the document this state belongs to.
func (s *State) DocumentID() string { return s.documentID }

// PageCount returns the number of pages in the original document.
func (s *State) PageCount() int { return s.pageCount }

// editable refuses edits while a submission holds the document.
func (s *State) editable() error {
	if s.reserved || s.status == StatusProcessing {
		return ErrSessionInFlight
	}
	return nil
}

func (s *State) checkPage(kind Kind, page int) error {
	if page < 0 || page >= s.pageCount {
		return invalid(kind, ReasonPageOutOfRange, page, "page must be in [0, %d)", s.pageCount)
	}
	return nil
}

func (s *State) audit(now time.Time) Audit {
	return Audit{CreatedBy: s.actor, CreatedAt: now, UpdatedBy: s.actor, UpdatedAt: now}
}

func (s *State) touch(now time.Time) {
	s.lastModified = now
	s.modifiedBy = s.actor
}

// ========== Redactions ==========

// AddRedaction appends a page-space redaction. Rectangles smaller than min
// in either dimension are rejected, never grown. A zero min means
// coords.DefaultMinimumSize.
func (s *State) AddRedaction(rect coords.Rect, pageNumber, orientation int, min coords.Size, text string) (Redaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editable(); err != nil {
		return Redaction{}, err
	}
	if err := s.checkPage(KindRedaction, pageNumber); err != nil {
		return Redaction{}, err
	}
	if !coords.IsQuarterTurn(orientation) {
		return Redaction{}, invalid(KindRedaction, ReasonInvalidRotation, pageNumber, "orientation %d is not a quarter turn", orientation)
	}
	rect = rect.Normalize()
	if err := checkMinimum(rect, min, pageNumber); err != nil {
		return Redaction{}, err
	}

	now := s.now()
	r := Redaction{
		PageNumber:      pageNumber,
		Rect:            rect,
		GUID:            uuid.NewString(),
		Text:            text,
		DrawOrientation: orientation,
		Pending:         true,
		Audit:           s.audit(now),
	}
	s.set.Redactions = append(s.set.Redactions, r)
	s.touch(now)
	return r, nil
}

// AddCanvasRedaction converts a canvas-space rectangle through tr, clips it
// to the page and adds it with the translator's rotation as orientation.
func (s *State) AddCanvasRedaction(tr *coords.Translator, canvas coords.Rect, pageNumber int, text string) (Redaction, error) {
	rect := tr.ClampRectToPageBounds(tr.RectCanvasToPage(canvas))
	return s.AddRedaction(rect, pageNumber, tr.Rotation(), tr.MinimumSize(), text)
}

// UpdateRedaction resizes or moves an active redaction.
func (s *State) UpdateRedaction(guid string, rect coords.Rect, min coords.Size) (Redaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editable(); err != nil {
		return Redaction{}, err
	}
	i := s.findRedaction(Ref{GUID: guid, PageIndex: -1})
	if i < 0 {
		return Redaction{}, invalid(KindRedaction, ReasonNotFound, -1, "no active redaction %s", guid)
	}
	r := &s.set.Redactions[i]
	rect = rect.Normalize()
	if err := checkMinimum(rect, min, r.PageNumber); err != nil {
		return Redaction{}, err
	}

	now := s.now()
	r.Rect = rect
	r.Applied = false
	r.Pending = true
	r.UpdatedBy, r.UpdatedAt = s.actor, now
	s.touch(now)
	return *r, nil
}

func checkMinimum(rect coords.Rect, min coords.Size, page int) error {
	if min.Width <= 0 && min.Height <= 0 {
		min = coords.DefaultMinimumSize()
	}
	if rect.Width <= 0 || rect.Height <= 0 {
		return invalid(KindRedaction, ReasonBelowMinimumSize, page,
			"%.2fx%.2f has no area", rect.Width, rect.Height)
	}
	if rect.Width+sizeEpsilon < min.Width || rect.Height+sizeEpsilon < min.Height {
		return invalid(KindRedaction, ReasonBelowMinimumSize, page,
			"%.2fx%.2f is below the minimum %.2fx%.2f", rect.Width, rect.Height, min.Width, min.Height)
	}
	return nil
}

func (s *State) findRedaction(ref Ref) int {
	for i, r := range s.set.Redactions {
		if r.Deleted {
			continue
		}
		if (ref.GUID != "" && r.GUID == ref.GUID) || (ref.ID > 0 && r.ID == ref.ID) {
			return i
		}
	}
	return -1
}

// ========== Rotations ==========

// AddRotation sets the rotation of a page, replacing any active entry.
func (s *State) AddRotation(pageIndex, angle int) (Rotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editable(); err != nil {
		return Rotation{}, err
	}
	if err := s.checkPage(KindRotation, pageIndex); err != nil {
		return Rotation{}, err
	}
	if !coords.IsQuarterTurn(angle) {
		return Rotation{}, invalid(KindRotation, ReasonInvalidRotation, pageIndex, "angle %d is not one of 0, 90, 180, 270", angle)
	}

	now := s.now()
	s.touch(now)
	if i := s.findByPage(KindRotation, pageIndex); i >= 0 {
		r := &s.set.Rotations[i]
		r.Rotate = angle
		r.Pending = true
		r.UpdatedBy, r.UpdatedAt = s.actor, now
		return *r, nil
	}

	r := Rotation{
		Key:       uuid.NewString(),
		PageIndex: pageIndex,
		Rotate:    angle,
		Pending:   true,
		Audit:     s.audit(now),
	}
	s.set.Rotations = append(s.set.Rotations, r)
	return r, nil
}

// ========== Page breaks ==========

// AddPageBreak opens a new segment at pageIndex tagged with a document type.
func (s *State) AddPageBreak(pageIndex int, docType bookmark.DocType, typeName string, date *time.Time, comments string) (PageBreak, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editable(); err != nil {
		return PageBreak{}, err
	}
	if err := s.checkPage(KindPageBreak, pageIndex); err != nil {
		return PageBreak{}, err
	}
	if err := s.checkDuplicateBreak(pageIndex, ""); err != nil {
		return PageBreak{}, err
	}

	bm := bookmark.Bookmark{TypeName: typeName, Type: docType, Date: date, Comments: comments}
	text, err := bookmark.Encode(bm)
	if err != nil {
		return PageBreak{}, invalid(KindPageBreak, ReasonInvalidBookmark, pageIndex, "%v", err)
	}
	// keep the stored fields identical to what the text decodes to
	bm, _ = bookmark.Decode(text)

	now := s.now()
	b := PageBreak{
		Key:          uuid.NewString(),
		PageIndex:    pageIndex,
		Text:         text,
		Type:         bm.Type,
		TypeName:     bm.TypeName,
		DisplayText:  bookmark.Display(bm),
		DocumentDate: bm.Date,
		Comments:     bm.Comments,
		Pending:      true,
		Audit:        s.audit(now),
	}

	breaks := append(append([]PageBreak(nil), s.set.PageBreaks...), b)
	if err := s.checkSegments(KindPageBreak, pageIndex, breaks, s.set.PageDeletions); err != nil {
		return PageBreak{}, err
	}

	s.set.PageBreaks = breaks
	s.touch(now)
	return b, nil
}

// MovePageBreak relocates the active break at from to page to.
func (s *State) MovePageBreak(from, to int) (PageBreak, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editable(); err != nil {
		return PageBreak{}, err
	}
	i := s.findByPage(KindPageBreak, from)
	if i < 0 {
		return PageBreak{}, invalid(KindPageBreak, ReasonNotFound, from, "no active page break")
	}
	if err := s.checkPage(KindPageBreak, to); err != nil {
		return PageBreak{}, err
	}
	if from == to {
		return s.set.PageBreaks[i], nil
	}
	if err := s.checkDuplicateBreak(to, s.set.PageBreaks[i].Key); err != nil {
		return PageBreak{}, err
	}

	breaks := append([]PageBreak(nil), s.set.PageBreaks...)
	now := s.now()
	b := &breaks[i]
	b.PageIndex = to
	b.Pending = true
	b.UpdatedBy, b.UpdatedAt = s.actor, now

	if err := s.checkSegments(KindPageBreak, to, breaks, s.set.PageDeletions); err != nil {
		return PageBreak{}, err
	}
	s.set.PageBreaks = breaks
	s.touch(now)
	return *b, nil
}

func (s *State) checkDuplicateBreak(pageIndex int, exceptKey string) error {
	for _, b := range s.set.PageBreaks {
		if !b.Deleted && b.PageIndex == pageIndex && b.Key != exceptKey {
			err := invalid(KindPageBreak, ReasonDuplicatePageBreak, pageIndex, "a page break already starts on page %d", pageIndex)
			conflict := b
			err.Conflict = &conflict
			return err
		}
	}
	return nil
}

// ========== Page deletions ==========

// AddPageDeletion flags a page for removal. Flagging an already flagged page
// returns the existing entry.
func (s *State) AddPageDeletion(pageIndex int) (PageDeletion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editable(); err != nil {
		return PageDeletion{}, err
	}
	if err := s.checkPage(KindPageDeletion, pageIndex); err != nil {
		return PageDeletion{}, err
	}
	if i := s.findByPage(KindPageDeletion, pageIndex); i >= 0 {
		return s.set.PageDeletions[i], nil
	}

	now := s.now()
	d := PageDeletion{
		Key:       uuid.NewString(),
		PageIndex: pageIndex,
		Pending:   true,
		Audit:     s.audit(now),
	}
	deletions := append(append([]PageDeletion(nil), s.set.PageDeletions...), d)
	if err := s.checkSegments(KindPageDeletion, pageIndex, s.set.PageBreaks, deletions); err != nil {
		return PageDeletion{}, err
	}

	s.set.PageDeletions = deletions
	s.touch(now)
	return d, nil
}

// checkSegments rejects a tentative change that leaves a segment whose head
// page is deleted while later pages of it survive.
func (s *State) checkSegments(kind Kind, page int, breaks []PageBreak, deletions []PageDeletion) error {
	before := segmentViolations(s.pageCount, s.set.PageBreaks, s.set.PageDeletions)
	after := segmentViolations(s.pageCount, breaks, deletions)
	if v := newViolation(before, after); v != nil {
		err := invalid(kind, ReasonSegmentHeadDeletion, page,
			"page %d starts a segment that still has pages; delete the whole segment or move the page break at %d",
			v.PageIndex, v.PageIndex)
		err.Conflict = v
		return err
	}
	return nil
}

// ========== Removal ==========

// RemoveAnnotation soft-deletes one annotation. Removing an entry that was
// never committed leaves nothing to save.
func (s *State) RemoveAnnotation(kind Kind, ref Ref) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editable(); err != nil {
		return err
	}

	now := s.now()
	switch kind {
	case KindRedaction:
		i := s.findRedaction(ref)
		if i < 0 {
			return notFound(kind, ref)
		}
		r := &s.set.Redactions[i]
		r.Deleted, r.Pending = true, r.ID > 0
		r.UpdatedBy, r.UpdatedAt = s.actor, now

	case KindRotation:
		i := s.findRef(kind, ref)
		if i < 0 {
			return notFound(kind, ref)
		}
		r := &s.set.Rotations[i]
		r.Deleted, r.Pending = true, r.ID > 0
		r.UpdatedBy, r.UpdatedAt = s.actor, now

	case KindPageBreak:
		i := s.findRef(kind, ref)
		if i < 0 {
			return notFound(kind, ref)
		}
		breaks := append([]PageBreak(nil), s.set.PageBreaks...)
		b := &breaks[i]
		b.Deleted, b.Pending = true, b.ID > 0
		b.UpdatedBy, b.UpdatedAt = s.actor, now
		if err := s.checkSegments(kind, b.PageIndex, breaks, s.set.PageDeletions); err != nil {
			return err
		}
		s.set.PageBreaks = breaks

	case KindPageDeletion:
		i := s.findRef(kind, ref)
		if i < 0 {
			return notFound(kind, ref)
		}
		deletions := append([]PageDeletion(nil), s.set.PageDeletions...)
		d := &deletions[i]
		d.Deleted, d.Pending = true, d.ID > 0
		d.UpdatedBy, d.UpdatedAt = s.actor, now
		if err := s.checkSegments(kind, d.PageIndex, s.set.PageBreaks, deletions); err != nil {
			return err
		}
		s.set.PageDeletions = deletions

	default:
		return fmt.Errorf("annotation: unknown kind %q", kind)
	}

	s.touch(now)
	return nil
}

func notFound(kind Kind, ref Ref) error {
	return invalid(kind, ReasonNotFound, ref.PageIndex, "no active %s matches id=%d guid=%q", kind, ref.ID, ref.GUID)
}

// findRef locates an active rotation, break or deletion by id or page.
func (s *State) findRef(kind Kind, ref Ref) int {
	if ref.ID > 0 {
		switch kind {
		case KindRotation:
			for i, r := range s.set.Rotations {
				if !r.Deleted && r.ID == ref.ID {
					return i
				}
			}
		case KindPageBreak:
			for i, b := range s.set.PageBreaks {
				if !b.Deleted && b.ID == ref.ID {
					return i
				}
			}
		case KindPageDeletion:
			for i, d := range s.set.PageDeletions {
				if !d.Deleted && d.ID == ref.ID {
					return i
				}
			}
		}
		return -1
	}
	if ref.PageIndex >= 0 {
		return s.findByPage(kind, ref.PageIndex)
	}
	return -1
}

func (s *State) findByPage(kind Kind, page int) int {
	switch kind {
	case KindRotation:
		for i, r := range s.set.Rotations {
			if !r.Deleted && r.PageIndex == page {
				return i
			}
		}
	case KindPageBreak:
		for i, b := range s.set.PageBreaks {
			if !b.Deleted && b.PageIndex == page {
				return i
			}
		}
	case KindPageDeletion:
		for i, d := range s.set.PageDeletions {
			if !d.Deleted && d.PageIndex == page {
				return i
			}
		}
	}
	return -1
}

// ========== Metadata ==========

// SetMetadata replaces the document header fields.
func (s *State) SetMetadata(m Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editable(); err != nil {
		return err
	}
	now := s.now()
	s.metadata = m
	s.metadataChanged = true
	s.touch(now)
	return nil
}

// Metadata returns the current header fields.
func (s *State) Metadata() Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metadata
}

// Annotations returns a copy of all four collections, deleted entries
// included.
func (s *State) Annotations() Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set.Clone()
}
