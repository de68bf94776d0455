// ABOUTME: Processing status machine for a document's manipulation state
// ABOUTME: Reservation, session attach, and folding terminal results back in

package annotation

import (
	"fmt"
	"time"
)

// Status is the processing status of a document.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Summary describes what a save would do right now.
type Summary struct {
	DocumentID           string    `json:"document_id"`
	PageCount            int       `json:"page_count"`
	PendingRedactions    int       `json:"pending_redactions"`
	PendingRotations     int       `json:"pending_rotations"`
	PendingPageBreaks    int       `json:"pending_page_breaks"`
	PendingPageDeletions int       `json:"pending_page_deletions"`
	PendingRemovals      int       `json:"pending_removals"`
	MetadataChanged      bool      `json:"metadata_changed"`
	HasUnsavedChanges    bool      `json:"has_unsaved_changes"`
	CanSave              bool      `json:"can_save"`
	Status               Status    `json:"status"`
	SessionID            string    `json:"session_id,omitempty"`
	LastError            string    `json:"last_error,omitempty"`
	LastModified         time.Time `json:"last_modified"`
	ModifiedBy           string    `json:"modified_by,omitempty"`
}

// Commit carries what persistence assigned when a save was committed.
type Commit struct {
	// IDs maps annotation keys (GUID for redactions) to persistence ids.
	IDs map[string]int64
	// ResultImages maps a segment's start page to its output document id.
	ResultImages map[int]string
	// Rasterized marks redactions as burned into output images.
	Rasterized bool
}

// Summarize computes pending counts and save eligibility.
func (s *State) Summarize() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryLocked()
}

func (s *State) summaryLocked() Summary {
	sum := Summary{
		DocumentID:      s.documentID,
		PageCount:       s.pageCount,
		MetadataChanged: s.metadataChanged,
		CanSave:         s.editable() == nil,
		Status:          s.status,
		SessionID:       s.sessionID,
		LastError:       s.lastError,
		LastModified:    s.lastModified,
		ModifiedBy:      s.modifiedBy,
	}
	count := func(pending, deleted bool, n *int) {
		switch {
		case pending && deleted:
			sum.PendingRemovals++
		case pending:
			*n++
		}
	}
	for _, r := range s.set.Redactions {
		count(r.Pending, r.Deleted, &sum.PendingRedactions)
	}
	for _, r := range s.set.Rotations {
		count(r.Pending, r.Deleted, &sum.PendingRotations)
	}
	for _, b := range s.set.PageBreaks {
		count(b.Pending, b.Deleted, &sum.PendingPageBreaks)
	}
	for _, d := range s.set.PageDeletions {
		count(d.Pending, d.Deleted, &sum.PendingPageDeletions)
	}
	sum.HasUnsavedChanges = s.metadataChanged ||
		sum.PendingRedactions+sum.PendingRotations+sum.PendingPageBreaks+sum.PendingPageDeletions+sum.PendingRemovals > 0
	return sum
}

// HasUnsavedChanges reports whether anything awaits a save.
func (s *State) HasUnsavedChanges() bool {
	return s.Summarize().HasUnsavedChanges
}

// Status returns the processing status.
func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SessionID returns the session the document is, or was last, waiting on.
func (s *State) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Snapshot deep-copies the current annotations.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	return Snapshot{
		DocumentID:      s.documentID,
		PageCount:       s.pageCount,
		Metadata:        s.metadata,
		TakenAt:         s.now(),
		TakenBy:         s.actor,
		MetadataChanged: s.metadataChanged,
		Set:             s.set.Clone(),
	}
}

// Reserve locks the document against edits and returns the snapshot to
// save. The reservation ends with Attach, CommitReserved or Release.
func (s *State) Reserve() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.editable(); err != nil {
		return Snapshot{}, err
	}
	s.reserved = true
	return s.snapshotLocked(), nil
}

// Release drops a reservation without changing anything else.
func (s *State) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.reserved {
		return ErrNotReserved
	}
	s.reserved = false
	return nil
}

// Attach binds the reservation to an accepted processing session.
func (s *State) Attach(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.reserved {
		return ErrNotReserved
	}
	s.reserved = false
	s.status = StatusProcessing
	s.sessionID = sessionID
	s.lastError = ""
	return nil
}

// CommitReserved applies a synchronous save (metadata or index only).
func (s *State) CommitReserved(snap Snapshot, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.reserved {
		return ErrNotReserved
	}
	s.reserved = false
	s.applyLocked(snap, c)
	s.status = StatusCompleted
	s.lastError = ""
	return nil
}

// Complete folds a completed session into the state.
func (s *State) Complete(sessionID string, snap Snapshot, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.awaiting(sessionID); err != nil {
		return err
	}
	s.applyLocked(snap, c)
	s.status = StatusCompleted
	s.lastError = ""
	return nil
}

// Fail records a failed session. Nothing is assumed applied.
func (s *State) Fail(sessionID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.awaiting(sessionID); err != nil {
		return err
	}
	s.status = StatusError
	s.lastError = message
	return nil
}

// Resume restores a document to the in-flight state of a session that was
// submitted before a restart.
func (s *State) Resume(sessionID string, snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.set = snap.Set.Clone()
	s.metadata = snap.Metadata
	s.metadataChanged = snap.MetadataChanged
	s.reserved = false
	s.status = StatusProcessing
	s.sessionID = sessionID
	s.lastError = ""
}

func (s *State) awaiting(sessionID string) error {
	if s.status != StatusProcessing || s.sessionID != sessionID {
		return fmt.Errorf("%w: waiting on %q (%s), got %q", ErrSessionMismatch, s.sessionID, s.status, sessionID)
	}
	return nil
}

// applyLocked marks everything in snap as committed. Removed entries are
// dropped from the lists once their removal is committed.
func (s *State) applyLocked(snap Snapshot, c Commit) {
	id := func(key string, current int64) int64 {
		if v, ok := c.IDs[key]; ok && v > 0 {
			return v
		}
		return current
	}

	redactions := s.set.Redactions[:0]
	for _, r := range s.set.Redactions {
		if r.Deleted {
			continue
		}
		r.ID = id(r.GUID, r.ID)
		if c.Rasterized {
			r.Applied = true
		}
		r.Pending = false
		redactions = append(redactions, r)
	}
	s.set.Redactions = redactions

	rotations := s.set.Rotations[:0]
	for _, r := range s.set.Rotations {
		if r.Deleted {
			continue
		}
		r.ID = id(r.Key, r.ID)
		r.Pending = false
		rotations = append(rotations, r)
	}
	s.set.Rotations = rotations

	breaks := s.set.PageBreaks[:0]
	for _, b := range s.set.PageBreaks {
		if b.Deleted {
			continue
		}
		b.ID = id(b.Key, b.ID)
		if img, ok := c.ResultImages[b.PageIndex]; ok {
			b.ResultImageID = img
		}
		b.Pending = false
		breaks = append(breaks, b)
	}
	s.set.PageBreaks = breaks

	deletions := s.set.PageDeletions[:0]
	for _, d := range s.set.PageDeletions {
		if d.Deleted {
			continue
		}
		d.ID = id(d.Key, d.ID)
		d.Pending = false
		deletions = append(deletions, d)
	}
	s.set.PageDeletions = deletions

	if snap.MetadataChanged {
		s.metadataChanged = false
	}
}
