package manipulation_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nainya/docsplit/pkg/annotation"
	"github.com/nainya/docsplit/pkg/bookmark"
	"github.com/nainya/docsplit/pkg/coords"
	"github.com/nainya/docsplit/pkg/journal"
	"github.com/nainya/docsplit/pkg/manipulation"
	"github.com/nainya/docsplit/pkg/session"
	"github.com/nainya/docsplit/pkg/store"
)

type fakeBackend struct {
	mu        sync.Mutex
	submitErr error
	statusErr error
	subs      []session.Submission
	reports   map[string]*session.Report
}

func (b *fakeBackend) Submit(ctx context.Context, sub session.Submission) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return "", b.submitErr
	}
	b.subs = append(b.subs, sub)
	return fmt.Sprintf("sess-%d", len(b.subs)), nil
}

func (b *fakeBackend) Status(ctx context.Context, id string) (*session.Report, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statusErr != nil {
		return nil, b.statusErr
	}
	if r, ok := b.reports[id]; ok {
		return r, nil
	}
	return &session.Report{Status: "Queued"}, nil
}

func (b *fakeBackend) report(id string, r *session.Report) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reports == nil {
		b.reports = make(map[string]*session.Report)
	}
	b.reports[id] = r
}

func (b *fakeBackend) submissions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

type fixedPages int

func (p fixedPages) PageCount(ctx context.Context, documentID string) (int, error) {
	return int(p), nil
}

type denyAll struct{}

func (denyAll) CanSave(context.Context, string, string) (bool, error) { return false, nil }

type fixture struct {
	o       *manipulation.Orchestrator
	repo    *store.MemoryStore
	backend *fakeBackend
	state   *annotation.State
}

func newFixture(t *testing.T, pages int, opts manipulation.Options) *fixture {
	t.Helper()
	catalog, err := store.NewStaticCatalog([]store.CatalogEntry{
		{ID: 1, Name: "Note"},
		{ID: 2, Name: "Deed"},
		{ID: 3, Name: "Appraisal"},
	})
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{repo: store.NewMemoryStore(), backend: &fakeBackend{}}
	f.o = manipulation.New(manipulation.Deps{
		Repository: f.repo,
		Catalog:    catalog,
		Backend:    f.backend,
		Pages:      fixedPages(pages),
	}, opts)
	f.state, err = f.o.Open(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return f
}

var minSize = coords.Size{Width: 5, Height: 5}

func TestSaveWithNothingPendingIsNoop(t *testing.T) {
	f := newFixture(t, 10, manipulation.Options{})

	res, err := f.o.ClassifyAndSave(context.Background(), "alice", "doc-1")
	if err != nil {
		t.Fatalf("ClassifyAndSave failed: %v", err)
	}
	if res.Kind != manipulation.SaveNoop || res.SessionID != "" {
		t.Errorf("unexpected result %+v", res)
	}
	if f.backend.submissions() != 0 {
		t.Error("no-op save created a session")
	}
	if !res.Summary.CanSave {
		t.Error("document should stay editable after a no-op save")
	}
}

func TestSingleBreakIsIndexOnly(t *testing.T) {
	f := newFixture(t, 10, manipulation.Options{})
	if _, err := f.state.AddPageBreak(0, bookmark.Typed(3), "Appraisal", nil, ""); err != nil {
		t.Fatal(err)
	}

	res, err := f.o.ClassifyAndSave(context.Background(), "alice", "doc-1")
	if err != nil {
		t.Fatalf("ClassifyAndSave failed: %v", err)
	}
	if res.Kind != manipulation.SaveIndexOnly {
		t.Fatalf("Kind = %s, want index_only", res.Kind)
	}
	if f.backend.submissions() != 0 {
		t.Error("index-only save created a session")
	}
	if f.state.HasUnsavedChanges() {
		t.Error("index-only save should commit the break")
	}
	if got := f.state.Annotations().PageBreaks[0].ID; got <= 0 {
		t.Errorf("break id = %d, want assigned", got)
	}
	if n := len(f.repo.All("doc-1").PageBreaks); n != 1 {
		t.Errorf("repository holds %d breaks, want 1", n)
	}
}

func TestTwoSegmentsRequireFullProcessing(t *testing.T) {
	f := newFixture(t, 10, manipulation.Options{})
	ctx := context.Background()
	if _, err := f.state.AddPageBreak(0, bookmark.Typed(1), "Note", nil, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.state.AddPageBreak(5, bookmark.Typed(2), "Deed", nil, ""); err != nil {
		t.Fatal(err)
	}

	res, err := f.o.ClassifyAndSave(ctx, "alice", "doc-1")
	if err != nil {
		t.Fatalf("ClassifyAndSave failed: %v", err)
	}
	if res.Kind != manipulation.SaveFull || res.SessionID == "" {
		t.Fatalf("unexpected result %+v", res)
	}

	type span struct {
		Start, End, Pages int
		Op                session.Operation
	}
	var got []span
	for _, s := range res.Segments {
		got = append(got, span{s.Start, s.End, s.PageCount, s.Operation})
	}
	want := []span{{0, 5, 5, session.OpFullSplit}, {5, 10, 5, session.OpFullSplit}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("planned segments mismatch (-want +got):\n%s", diff)
	}

	if f.state.Status() != annotation.StatusProcessing {
		t.Fatalf("Status = %s, want processing", f.state.Status())
	}
	if err := f.o.Edit(ctx, "alice", "doc-1", func(st *annotation.State) error {
		_, err := st.AddRotation(1, 90)
		return err
	}); !errors.Is(err, annotation.ErrSessionInFlight) {
		t.Fatalf("Expected ErrSessionInFlight while processing, got %v", err)
	}

	f.backend.report(res.SessionID, &session.Report{
		Status: "Complete",
		Result: &session.Result{Segments: []session.Segment{
			{DocumentID: "out-a", Start: 0, End: 5, PageCount: 5, Operation: session.OpFullSplit},
			{DocumentID: "out-b", Start: 5, End: 10, PageCount: 5, Operation: session.OpFullSplit},
		}},
	})
	s, err := f.o.PollSession(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("PollSession failed: %v", err)
	}
	if s.Status != session.StatusCompleted {
		t.Fatalf("Status = %s, want completed", s.Status)
	}
	if f.state.HasUnsavedChanges() {
		t.Error("HasUnsavedChanges should clear after completion")
	}
	breaks := f.state.Annotations().PageBreaks
	images := map[int]string{}
	for _, b := range breaks {
		images[b.PageIndex] = b.ResultImageID
	}
	if images[0] != "out-a" || images[5] != "out-b" {
		t.Errorf("result images not folded back: %v", images)
	}
	if n := len(f.repo.Outputs("doc-1")); n != 2 {
		t.Errorf("repository recorded %d outputs, want 2", n)
	}

	// polling again returns the folded result without another fold
	again, err := f.o.PollSession(ctx, res.SessionID)
	if err != nil || again.Status != session.StatusCompleted {
		t.Fatalf("repeat poll = %+v, %v", again, err)
	}
}

func TestRedactionAndRotationSubmitSingleSegment(t *testing.T) {
	f := newFixture(t, 10, manipulation.Options{})
	if _, err := f.state.AddRedaction(coords.Rect{X: 10, Y: 10, Width: 50, Height: 20}, 2, 0, minSize, "ssn"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.state.AddRotation(4, 90); err != nil {
		t.Fatal(err)
	}

	res, err := f.o.ClassifyAndSave(context.Background(), "alice", "doc-1")
	if err != nil {
		t.Fatalf("ClassifyAndSave failed: %v", err)
	}
	if res.Kind != manipulation.SaveFull {
		t.Fatalf("Kind = %s, want full", res.Kind)
	}
	if len(res.Segments) != 1 || res.Segments[0].Start != 0 || res.Segments[0].End != 10 || res.Segments[0].PageCount != 10 {
		t.Fatalf("unexpected segments %+v", res.Segments)
	}

	sub := f.backend.subs[0]
	if len(sub.Redactions) != 1 || len(sub.Rotations) != 1 || sub.DocumentID != "doc-1" || sub.SubmittedBy != "alice" {
		t.Errorf("unexpected submission %+v", sub)
	}
}

func TestSessionFailurePreservesState(t *testing.T) {
	f := newFixture(t, 10, manipulation.Options{})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := f.state.AddRedaction(coords.Rect{X: 10, Y: float64(10 + 40*i), Width: 30, Height: 30}, i, 0, minSize, ""); err != nil {
			t.Fatal(err)
		}
	}

	res, err := f.o.ClassifyAndSave(ctx, "alice", "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	f.backend.report(res.SessionID, &session.Report{Status: "error", Message: "rasterizer crashed"})

	s, err := f.o.PollSession(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("PollSession failed: %v", err)
	}
	if s.Status != session.StatusError || s.Error != "rasterizer crashed" {
		t.Fatalf("unexpected session %+v", s)
	}

	sum := f.state.Summarize()
	if !sum.HasUnsavedChanges || sum.Status != annotation.StatusError || !sum.CanSave {
		t.Errorf("unexpected summary %+v", sum)
	}
	for _, r := range f.state.Annotations().Redactions {
		if r.Applied || !r.Pending {
			t.Errorf("redaction should stay pending and unapplied: %+v", r)
		}
	}
	if n := len(f.repo.All("doc-1").Redactions); n != 0 {
		t.Errorf("failed session persisted %d redactions", n)
	}
}

func TestSubmitFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, 4, manipulation.Options{})
	if _, err := f.state.AddPageDeletion(3); err != nil {
		t.Fatal(err)
	}
	before := f.state.Summarize()
	f.backend.submitErr = errors.New("connection refused")

	_, err := f.o.ClassifyAndSave(context.Background(), "alice", "doc-1")
	if !errors.Is(err, f.backend.submitErr) {
		t.Fatalf("Expected wrapped transport error, got %v", err)
	}
	if diff := cmp.Diff(before, f.state.Summarize()); diff != "" {
		t.Errorf("summary changed after failed submit (-before +after):\n%s", diff)
	}
}

func TestPollFailureLeavesStateProcessing(t *testing.T) {
	f := newFixture(t, 4, manipulation.Options{})
	if _, err := f.state.AddRotation(0, 180); err != nil {
		t.Fatal(err)
	}
	res, err := f.o.ClassifyAndSave(context.Background(), "alice", "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	f.backend.statusErr = errors.New("timeout")

	if _, err := f.o.PollSession(context.Background(), res.SessionID); !errors.Is(err, session.ErrBackend) {
		t.Fatalf("Expected ErrBackend, got %v", err)
	}
	if f.state.Status() != annotation.StatusProcessing {
		t.Errorf("Status = %s, want processing", f.state.Status())
	}
}

func TestPermissionCheckedFirst(t *testing.T) {
	repo := store.NewMemoryStore()
	backend := &fakeBackend{}
	o := manipulation.New(manipulation.Deps{
		Repository: repo,
		Authorizer: denyAll{},
		Backend:    backend,
		Pages:      fixedPages(3),
	}, manipulation.Options{})
	ctx := context.Background()
	st, err := o.Open(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}

	err = o.Edit(ctx, "mallory", "doc-1", func(st *annotation.State) error {
		t.Fatal("mutation ran without permission")
		return nil
	})
	if !errors.Is(err, manipulation.ErrPermissionDenied) {
		t.Fatalf("Expected ErrPermissionDenied, got %v", err)
	}

	if _, err := st.AddRotation(0, 90); err != nil {
		t.Fatal(err)
	}
	if _, err := o.ClassifyAndSave(ctx, "mallory", "doc-1"); !errors.Is(err, manipulation.ErrPermissionDenied) {
		t.Fatalf("Expected ErrPermissionDenied, got %v", err)
	}
	if backend.submissions() != 0 {
		t.Error("submitted despite denied permission")
	}
}

func TestUnknownDocumentTypeRejected(t *testing.T) {
	f := newFixture(t, 6, manipulation.Options{})
	if _, err := f.state.AddPageBreak(3, bookmark.Typed(99), "Mystery", nil, ""); err != nil {
		t.Fatal(err)
	}

	if _, err := f.o.ClassifyAndSave(context.Background(), "alice", "doc-1"); !errors.Is(err, manipulation.ErrUnknownDocumentType) {
		t.Fatalf("Expected ErrUnknownDocumentType, got %v", err)
	}
	if !f.state.Summarize().CanSave {
		t.Error("reservation was not released after validation failure")
	}
}

func TestMetadataOnlyIsSimpleSave(t *testing.T) {
	f := newFixture(t, 3, manipulation.Options{})
	if err := f.state.SetMetadata(annotation.Metadata{Title: "Loan 7", Type: bookmark.Typed(1)}); err != nil {
		t.Fatal(err)
	}

	res, err := f.o.ClassifyAndSave(context.Background(), "alice", "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != manipulation.SaveSimple || f.backend.submissions() != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if _, meta, _ := f.repo.Load(context.Background(), "doc-1"); meta.Title != "Loan 7" {
		t.Errorf("metadata not persisted: %+v", meta)
	}
	if f.state.HasUnsavedChanges() {
		t.Error("simple save should clear unsaved changes")
	}
}

func TestResumeFromJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.journal")
	j, err := journal.Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, 8, manipulation.Options{Journal: j})
	if _, err := f.state.AddPageBreak(4, bookmark.Typed(2), "Deed", nil, ""); err != nil {
		t.Fatal(err)
	}
	res, err := f.o.ClassifyAndSave(context.Background(), "alice", "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	j.Close()

	// a fresh process over the same backend and repository
	j2, err := journal.Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer j2.Close()
	o2 := manipulation.New(manipulation.Deps{
		Repository: f.repo,
		Backend:    f.backend,
		Pages:      fixedPages(8),
	}, manipulation.Options{Journal: j2})

	n, err := o2.Resume(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("Resume = %d, %v", n, err)
	}
	st, err := o2.State("doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status() != annotation.StatusProcessing || st.SessionID() != res.SessionID {
		t.Fatalf("resumed state = %s / %s", st.Status(), st.SessionID())
	}

	f.backend.report(res.SessionID, &session.Report{Status: "done"})
	if _, err := o2.PollSession(context.Background(), res.SessionID); err != nil {
		t.Fatal(err)
	}
	if st.HasUnsavedChanges() {
		t.Error("resumed session did not commit")
	}
	if pending, _ := j2.Pending(); len(pending) != 0 {
		t.Errorf("journal still lists %d pending sessions", len(pending))
	}
}

func TestPollUnknownSession(t *testing.T) {
	f := newFixture(t, 2, manipulation.Options{})
	if _, err := f.o.PollSession(context.Background(), "nope"); !errors.Is(err, manipulation.ErrUnknownSession) {
		t.Fatalf("Expected ErrUnknownSession, got %v", err)
	}
}
