// ABOUTME: Pull-based tracker for processing sessions
// ABOUTME: Polls the backend on demand and keeps terminal states terminal

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nainya/docsplit/internal/logger"
	"github.com/nainya/docsplit/internal/metrics"
)

// Tracker follows sessions submitted to one backend.
type Tracker struct {
	backend Backend
	log     *logger.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session

	now func() time.Time
}

// NewTracker creates a tracker. log and m may be nil.
func NewTracker(backend Backend, log *logger.Logger, m *metrics.Metrics) *Tracker {
	if log == nil {
		log = logger.Nop()
	}
	return &Tracker{
		backend:  backend,
		log:      log,
		metrics:  m,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Track starts following a session in the queued state.
func (t *Tracker) Track(sessionID, documentID string) Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[sessionID]; ok {
		return s.clone()
	}
	now := t.now()
	s := &Session{
		ID:          sessionID,
		DocumentID:  documentID,
		Status:      StatusQueued,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	t.sessions[sessionID] = s
	return s.clone()
}

// Get returns the last known view of a session without polling.
func (t *Tracker) Get(sessionID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return s.clone(), true
}

// Forget stops tracking a session.
func (t *Tracker) Forget(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}

// Poll queries the backend once. A session already in a terminal state is
// returned without contacting the backend. Backend failures leave the
// tracked view unchanged.
func (t *Tracker) Poll(ctx context.Context, sessionID string) (Session, error) {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if s.Status.Terminal() {
		out := s.clone()
		t.mu.Unlock()
		return out, nil
	}
	t.mu.Unlock()

	report, err := t.backend.Status(ctx, sessionID)
	if err == nil && report == nil {
		err = errors.New("empty status report")
	}
	if t.metrics != nil {
		t.metrics.RecordPoll(err)
	}
	if err != nil {
		t.log.SessionLogger(sessionID, s.DocumentID).Warn("status poll failed").Err(err).Send()
		return Session{}, fmt.Errorf("%w: poll %s: %w", ErrBackend, sessionID, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// the session may have been forgotten or finished concurrently
	s, ok = t.sessions[sessionID]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if s.Status.Terminal() {
		return s.clone(), nil
	}

	next := Normalize(report.Status)
	prev := s.Status
	if next.rank() >= prev.rank() {
		s.Status = next
	}
	if report.Progress != nil {
		p := clampProgress(*report.Progress)
		s.Progress = &p
	}
	if report.Message != "" {
		s.Message = report.Message
	}
	if s.Status == StatusError {
		s.Error = report.Error
		if s.Error == "" {
			s.Error = report.Message
		}
		if s.Error == "" {
			s.Error = "processing failed"
		}
	}
	if s.Status == StatusCompleted && report.Result != nil {
		r := Result{Segments: append([]Segment(nil), report.Result.Segments...)}
		s.Result = &r
	}
	s.UpdatedAt = t.now()

	if s.Status != prev {
		progress := 0
		if s.Progress != nil {
			progress = *s.Progress
		}
		t.log.LogSessionTransition(sessionID, string(prev), string(s.Status), progress)
		if s.Status.Terminal() && t.metrics != nil {
			t.metrics.RecordSessionTerminal(string(s.Status))
		}
	}
	return s.clone(), nil
}

// Wait polls every interval until the session is terminal, the context
// ends, or a poll fails.
func (t *Tracker) Wait(ctx context.Context, sessionID string, interval time.Duration) (Session, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s, err := t.Poll(ctx, sessionID)
		if err != nil {
			return Session{}, err
		}
		if s.Status.Terminal() {
			return s, nil
		}
		select {
		case <-ctx.Done():
			return s, ctx.Err()
		case <-ticker.C:
		}
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
