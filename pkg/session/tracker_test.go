package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedBackend replays a fixed list of reports, one per Status call.
type scriptedBackend struct {
	mu      sync.Mutex
	reports []*Report
	errs    []error
	calls   int
}

func (b *scriptedBackend) Submit(ctx context.Context, sub Submission) (string, error) {
	return "sess-1", nil
}

func (b *scriptedBackend) Status(ctx context.Context, id string) (*Report, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.calls
	b.calls++
	if i < len(b.errs) && b.errs[i] != nil {
		return nil, b.errs[i]
	}
	if i >= len(b.reports) {
		return b.reports[len(b.reports)-1], nil
	}
	return b.reports[i], nil
}

func intp(v int) *int { return &v }

func TestNormalize(t *testing.T) {
	tests := []struct {
		raw  string
		want Status
	}{
		{"Complete", StatusCompleted},
		{"done", StatusCompleted},
		{"InProgress", StatusProcessing},
		{"weird-value", StatusQueued},
		{" FAILED ", StatusError},
		{"queued", StatusQueued},
		{"", StatusQueued},
		{"running", StatusProcessing},
	}
	for _, tt := range tests {
		if got := Normalize(tt.raw); got != tt.want {
			t.Errorf("Normalize(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestPollLifecycle(t *testing.T) {
	backend := &scriptedBackend{reports: []*Report{
		{Status: "Queued"},
		{Status: "InProgress", Progress: intp(140)},
		{Status: "Complete", Result: &Result{Segments: []Segment{{DocumentID: "out-1", Start: 0, End: 3, PageCount: 3, Operation: OpRenameOnly}}}},
	}}
	tr := NewTracker(backend, nil, nil)
	tr.Track("sess-1", "doc-1")
	ctx := context.Background()

	s, err := tr.Poll(ctx, "sess-1")
	if err != nil || s.Status != StatusQueued {
		t.Fatalf("first poll = %+v, %v", s, err)
	}

	s, err = tr.Poll(ctx, "sess-1")
	if err != nil || s.Status != StatusProcessing {
		t.Fatalf("second poll = %+v, %v", s, err)
	}
	if s.Progress == nil || *s.Progress != 100 {
		t.Errorf("progress should be clamped to 100, got %v", s.Progress)
	}

	s, err = tr.Poll(ctx, "sess-1")
	if err != nil || s.Status != StatusCompleted {
		t.Fatalf("third poll = %+v, %v", s, err)
	}
	if s.Result == nil || len(s.Result.Segments) != 1 || s.Result.Segments[0].DocumentID != "out-1" {
		t.Errorf("unexpected result %+v", s.Result)
	}

	// terminal sessions are not polled again
	calls := backend.calls
	if _, err := tr.Poll(ctx, "sess-1"); err != nil {
		t.Fatal(err)
	}
	if backend.calls != calls {
		t.Error("backend was contacted for a terminal session")
	}
}

func TestPollDoesNotRegress(t *testing.T) {
	backend := &scriptedBackend{reports: []*Report{
		{Status: "running"},
		{Status: "pending"},
	}}
	tr := NewTracker(backend, nil, nil)
	tr.Track("sess-1", "doc-1")

	if _, err := tr.Poll(context.Background(), "sess-1"); err != nil {
		t.Fatal(err)
	}
	s, err := tr.Poll(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusProcessing {
		t.Errorf("Status = %s, want processing", s.Status)
	}
}

func TestPollFailureLeavesSessionUntouched(t *testing.T) {
	backend := &scriptedBackend{
		reports: []*Report{{Status: "queued"}, {Status: "queued"}},
		errs:    []error{errors.New("connection refused")},
	}
	tr := NewTracker(backend, nil, nil)
	before := tr.Track("sess-1", "doc-1")

	_, err := tr.Poll(context.Background(), "sess-1")
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("Expected ErrBackend, got %v", err)
	}
	after, ok := tr.Get("sess-1")
	if !ok || after.Status != before.Status || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("session changed after failed poll: %+v", after)
	}
}

func TestPollFailureKeepsCause(t *testing.T) {
	backend := &scriptedBackend{
		reports: []*Report{{Status: "queued"}},
		errs:    []error{context.DeadlineExceeded},
	}
	tr := NewTracker(backend, nil, nil)
	tr.Track("sess-1", "doc-1")

	_, err := tr.Poll(context.Background(), "sess-1")
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("Expected ErrBackend, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected the backend cause to be kept, got %v", err)
	}
}

func TestErrorReportCarriesMessage(t *testing.T) {
	backend := &scriptedBackend{reports: []*Report{{Status: "Failed", Message: "page 3 unreadable"}}}
	tr := NewTracker(backend, nil, nil)
	tr.Track("sess-1", "doc-1")

	s, err := tr.Poll(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusError || s.Error != "page 3 unreadable" {
		t.Errorf("unexpected session %+v", s)
	}
}

func TestPollUnknownSession(t *testing.T) {
	tr := NewTracker(&scriptedBackend{}, nil, nil)
	if _, err := tr.Poll(context.Background(), "nope"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Expected ErrUnknownSession, got %v", err)
	}
}

func TestWait(t *testing.T) {
	backend := &scriptedBackend{reports: []*Report{
		{Status: "queued"},
		{Status: "processing"},
		{Status: "done"},
	}}
	tr := NewTracker(backend, nil, nil)
	tr.Track("sess-1", "doc-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := tr.Wait(ctx, "sess-1", time.Millisecond)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if s.Status != StatusCompleted {
		t.Errorf("Status = %s, want completed", s.Status)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	backend := &scriptedBackend{reports: []*Report{{Status: "queued"}}}
	tr := NewTracker(backend, nil, nil)
	tr.Track("sess-1", "doc-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := tr.Wait(ctx, "sess-1", 5*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected DeadlineExceeded, got %v", err)
	}
}
