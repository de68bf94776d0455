// ABOUTME: Orchestrates saves of document manipulation state
// ABOUTME: Classifies, submits processing sessions and folds their results back

package manipulation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nainya/docsplit/internal/logger"
	"github.com/nainya/docsplit/internal/metrics"
	"github.com/nainya/docsplit/pkg/annotation"
	"github.com/nainya/docsplit/pkg/journal"
	"github.com/nainya/docsplit/pkg/session"
)

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Repository Repository
	Catalog    TypeCatalog // optional; nil skips type validation
	Authorizer Authorizer  // optional; nil allows everyone
	Backend    session.Backend
	Pages      PageCounter
}

// Options tune an Orchestrator.
type Options struct {
	Offering string // catalog context for type validation
	Logger   *logger.Logger
	Metrics  *metrics.Metrics
	Journal  *journal.Journal // optional; enables Resume
}

// SaveResult reports what ClassifyAndSave did.
type SaveResult struct {
	Kind      SaveKind
	SessionID string
	Segments  []session.Segment // planned output for full saves
	Summary   annotation.Summary
}

// Orchestrator owns the open documents of one process and their saves.
type Orchestrator struct {
	repo    Repository
	catalog TypeCatalog
	auth    Authorizer
	backend session.Backend
	pages   PageCounter
	tracker *session.Tracker
	journal *journal.Journal

	offering string
	log      *logger.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	docs     map[string]*annotation.State
	inflight map[string]annotation.Snapshot // by session id
	finished map[string]session.Session     // folded terminal sessions
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	auth := deps.Authorizer
	if auth == nil {
		auth = AllowAll{}
	}
	return &Orchestrator{
		repo:     deps.Repository,
		catalog:  deps.Catalog,
		auth:     auth,
		backend:  deps.Backend,
		pages:    deps.Pages,
		tracker:  session.NewTracker(deps.Backend, log, opts.Metrics),
		journal:  opts.Journal,
		offering: opts.Offering,
		log:      log,
		metrics:  opts.Metrics,
		docs:     make(map[string]*annotation.State),
		inflight: make(map[string]annotation.Snapshot),
		finished: make(map[string]session.Session),
	}
}

// Tracker exposes the session tracker, e.g. for Wait loops.
func (o *Orchestrator) Tracker() *session.Tracker { return o.tracker }

// Authorize returns ErrPermissionDenied unless user may change the document.
func (o *Orchestrator) Authorize(ctx context.Context, user, documentID string) error {
	ok, err := o.auth.CanSave(ctx, user, documentID)
	if err != nil {
		return fmt.Errorf("manipulation: authorize %s: %w", documentID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrPermissionDenied, user, documentID)
	}
	return nil
}

// Open returns the state of a document, loading committed annotations on
// first use.
func (o *Orchestrator) Open(ctx context.Context, documentID string) (*annotation.State, error) {
	o.mu.Lock()
	if st, ok := o.docs[documentID]; ok {
		o.mu.Unlock()
		return st, nil
	}
	o.mu.Unlock()

	count, err := o.pages.PageCount(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("manipulation: page count %s: %w", documentID, err)
	}
	st, err := annotation.NewState(documentID, count)
	if err != nil {
		return nil, err
	}

	var (
		set  annotation.Set
		meta annotation.Metadata
	)
	err = o.store("load", func() error {
		var err error
		set, meta, err = o.repo.Load(ctx, documentID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("manipulation: load %s: %w", documentID, err)
	}
	st.Load(set, meta)

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.docs[documentID]; ok {
		return existing, nil
	}
	o.docs[documentID] = st
	if o.metrics != nil {
		o.metrics.OpenDocuments.Inc()
	}
	return st, nil
}

// State returns the open state of a document.
func (o *Orchestrator) State(documentID string) (*annotation.State, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.docs[documentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotOpen, documentID)
	}
	return st, nil
}

// Close discards the open state of a document. Unsaved changes are lost.
func (o *Orchestrator) Close(documentID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.docs[documentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDocumentNotOpen, documentID)
	}
	if st.Status() == annotation.StatusProcessing {
		return annotation.ErrSessionInFlight
	}
	delete(o.docs, documentID)
	if o.metrics != nil {
		o.metrics.OpenDocuments.Dec()
	}
	return nil
}

// Edit authorizes user and runs fn against the document's state.
func (o *Orchestrator) Edit(ctx context.Context, user, documentID string, fn func(*annotation.State) error) error {
	if err := o.Authorize(ctx, user, documentID); err != nil {
		return err
	}
	st, err := o.State(documentID)
	if err != nil {
		return err
	}
	st.SetActor(user)
	return fn(st)
}

// ClassifyAndSave commits the document's pending changes the cheapest way
// possible. Full saves return once the backend accepted the session.
func (o *Orchestrator) ClassifyAndSave(ctx context.Context, user, documentID string) (res SaveResult, err error) {
	start := time.Now()
	defer func() {
		kind := string(res.Kind)
		if kind == "" {
			kind = "rejected"
		}
		if o.metrics != nil {
			o.metrics.RecordSave(kind, err)
		}
		o.log.LogSave(documentID, kind, res.SessionID, time.Since(start), err)
	}()

	if err := o.Authorize(ctx, user, documentID); err != nil {
		return SaveResult{}, err
	}
	st, err := o.State(documentID)
	if err != nil {
		return SaveResult{}, err
	}
	st.SetActor(user)

	snap, err := st.Reserve()
	if err != nil {
		return SaveResult{}, err
	}
	// every early return below must give the reservation back
	release := func(cause error) (SaveResult, error) {
		if rerr := st.Release(); rerr != nil {
			o.log.Warn("release after failed save").Str("document_id", documentID).Err(rerr).Send()
		}
		return SaveResult{}, cause
	}

	if err := o.validateTypes(ctx, snap); err != nil {
		return release(err)
	}

	kind := Classify(snap)
	switch kind {
	case SaveNoop:
		release(nil)
		return SaveResult{Kind: kind, Summary: st.Summarize()}, nil

	case SaveSimple:
		err := o.store("save_metadata", func() error {
			return o.repo.SaveMetadata(ctx, documentID, snap.Metadata)
		})
		if err != nil {
			return release(fmt.Errorf("manipulation: save metadata %s: %w", documentID, err))
		}
		if err := st.CommitReserved(snap, annotation.Commit{}); err != nil {
			return SaveResult{}, err
		}
		return SaveResult{Kind: kind, Summary: st.Summarize()}, nil

	case SaveIndexOnly:
		var ids map[string]int64
		err := o.store("save_index", func() error {
			var err error
			ids, err = o.repo.SaveIndex(ctx, documentID, snap.PageBreaks)
			return err
		})
		if err != nil {
			return release(fmt.Errorf("manipulation: save index %s: %w", documentID, err))
		}
		if err := st.CommitReserved(snap, annotation.Commit{IDs: ids}); err != nil {
			return SaveResult{}, err
		}
		return SaveResult{Kind: kind, Summary: st.Summarize()}, nil
	}

	active := snap.Set.Active()
	sub := session.Submission{
		DocumentID:  documentID,
		PageCount:   snap.PageCount,
		SubmittedBy: user,
		Metadata:    snap.Metadata,
		Set:         active,
	}
	sessionID, err := o.backend.Submit(ctx, sub)
	if err != nil {
		return release(fmt.Errorf("manipulation: submit %s: %w", documentID, err))
	}
	if err := st.Attach(sessionID); err != nil {
		return SaveResult{}, err
	}

	o.mu.Lock()
	o.inflight[sessionID] = snap
	o.mu.Unlock()
	o.tracker.Track(sessionID, documentID)
	if o.metrics != nil {
		o.metrics.RecordSessionSubmitted()
	}
	if o.journal != nil {
		if _, err := o.journal.AppendSubmitted(sessionID, snap); err != nil {
			o.log.SessionLogger(sessionID, documentID).Error("journal append failed").Err(err).Send()
		}
	}

	return SaveResult{
		Kind:      SaveFull,
		SessionID: sessionID,
		Segments:  PlanSegments(snap.PageCount, active.PageBreaks, active.PageDeletions),
		Summary:   st.Summarize(),
	}, nil
}

// validateTypes checks pending typed breaks against the catalog.
func (o *Orchestrator) validateTypes(ctx context.Context, snap annotation.Snapshot) error {
	if o.catalog == nil {
		return nil
	}
	var typed []annotation.PageBreak
	for _, b := range snap.PageBreaks {
		if !b.Deleted && b.Pending && !b.Type.IsGeneric() {
			typed = append(typed, b)
		}
	}
	if len(typed) == 0 {
		return nil
	}

	types, err := o.catalog.DocumentTypes(ctx, o.offering)
	if err != nil {
		return fmt.Errorf("manipulation: document types: %w", err)
	}
	known := make(map[int]bool, len(types))
	for _, t := range types {
		known[t.ID] = true
	}
	for _, b := range typed {
		id, _ := b.Type.ID()
		if !known[id] {
			return fmt.Errorf("%w: %d on page break at %d", ErrUnknownDocumentType, id, b.PageIndex)
		}
	}
	return nil
}

// PollSession queries a session once and, on its first terminal report,
// folds the result into the document state. Transport failures leave the
// state untouched.
func (o *Orchestrator) PollSession(ctx context.Context, sessionID string) (session.Session, error) {
	o.mu.Lock()
	if s, ok := o.finished[sessionID]; ok {
		o.mu.Unlock()
		return s, nil
	}
	_, known := o.inflight[sessionID]
	o.mu.Unlock()
	if !known {
		return session.Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	s, err := o.tracker.Poll(ctx, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if !s.Status.Terminal() {
		return s, nil
	}

	// claim the fold so concurrent polls do it once
	o.mu.Lock()
	snap, ok := o.inflight[sessionID]
	if ok {
		delete(o.inflight, sessionID)
	}
	o.mu.Unlock()
	if !ok {
		return s, nil
	}

	if err := o.fold(ctx, s, snap); err != nil {
		o.mu.Lock()
		o.inflight[sessionID] = snap
		o.mu.Unlock()
		return s, err
	}

	o.mu.Lock()
	o.finished[sessionID] = s
	o.mu.Unlock()
	o.tracker.Forget(sessionID)
	if o.journal != nil {
		if _, err := o.journal.AppendFinished(sessionID, string(s.Status)); err != nil {
			o.log.SessionLogger(sessionID, snap.DocumentID).Error("journal append failed").Err(err).Send()
		}
	}
	return s, nil
}

func (o *Orchestrator) fold(ctx context.Context, s session.Session, snap annotation.Snapshot) error {
	st, err := o.State(snap.DocumentID)
	if err != nil {
		return err
	}
	log := o.log.SessionLogger(s.ID, snap.DocumentID)

	if s.Status == session.StatusError {
		log.Warn("processing session failed").Str("error", s.Error).Send()
		return st.Fail(s.ID, s.Error)
	}

	// the session burned every submitted redaction into its output
	persist := snap
	persist.Set = snap.Set.Clone()
	for i := range persist.Redactions {
		if !persist.Redactions[i].Deleted {
			persist.Redactions[i].Applied = true
		}
	}

	var ids map[string]int64
	err = o.store("save_annotations", func() error {
		var err error
		ids, err = o.repo.SaveAnnotations(ctx, persist)
		return err
	})
	if err != nil {
		return fmt.Errorf("manipulation: persist %s: %w", snap.DocumentID, err)
	}
	if snap.MetadataChanged {
		err := o.store("save_metadata", func() error {
			return o.repo.SaveMetadata(ctx, snap.DocumentID, snap.Metadata)
		})
		if err != nil {
			return fmt.Errorf("manipulation: save metadata %s: %w", snap.DocumentID, err)
		}
	}

	images := make(map[int]string)
	var segments []session.Segment
	if s.Result != nil {
		segments = s.Result.Segments
		for _, seg := range segments {
			images[seg.Start] = seg.DocumentID
		}
		err := o.store("save_outputs", func() error {
			return o.repo.SaveOutputs(ctx, snap.DocumentID, segments)
		})
		if err != nil {
			return fmt.Errorf("manipulation: save outputs %s: %w", snap.DocumentID, err)
		}
	}

	log.Info("processing session completed").Int("segments", len(segments)).Send()
	return st.Complete(s.ID, snap, annotation.Commit{
		IDs:          ids,
		ResultImages: images,
		Rasterized:   true,
	})
}

// Resume re-attaches to sessions the journal recorded as submitted but
// never finished. It returns the number of sessions resumed.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	if o.journal == nil {
		return 0, nil
	}
	pending, err := o.journal.Pending()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, sub := range pending {
		st, err := o.Open(ctx, sub.DocumentID)
		if err != nil {
			o.log.SessionLogger(sub.SessionID, sub.DocumentID).Error("cannot resume session").Err(err).Send()
			continue
		}
		st.Resume(sub.SessionID, sub.Snapshot)

		o.mu.Lock()
		o.inflight[sub.SessionID] = sub.Snapshot
		o.mu.Unlock()
		o.tracker.Track(sub.SessionID, sub.DocumentID)
		o.log.SessionLogger(sub.SessionID, sub.DocumentID).Info("resumed processing session").Send()
		n++
	}
	return n, nil
}

// store times a repository call.
func (o *Orchestrator) store(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	if o.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		o.metrics.RecordStoreOperation(op, status, time.Since(start))
	}
	o.log.StoreLogger(op).LogStoreOperation(op, time.Since(start), 1, err)
	return err
}
