// ABOUTME: In-memory annotation repository used by the daemon and tests
// ABOUTME: Assigns ids per save, soft deletes, and records produced outputs

package store

import (
	"context"
	"sync"

	"github.com/nainya/docsplit/pkg/annotation"
	"github.com/nainya/docsplit/pkg/session"
)

type document struct {
	set      annotation.Set
	metadata annotation.Metadata
	outputs  []session.Segment
}

// MemoryStore keeps committed annotations per document.
type MemoryStore struct {
	mu     sync.Mutex
	docs   map[string]*document
	nextID int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*document)}
}

func (m *MemoryStore) doc(id string) *document {
	d, ok := m.docs[id]
	if !ok {
		d = &document{}
		m.docs[id] = d
	}
	return d
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

// Load returns committed, non-deleted annotations.
func (m *MemoryStore) Load(ctx context.Context, documentID string) (annotation.Set, annotation.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.docs[documentID]
	if !ok {
		return annotation.Set{}, annotation.Metadata{}, nil
	}
	return d.set.Active().Clone(), d.metadata, nil
}

// SaveAnnotations persists the pending entries of snap.
func (m *MemoryStore) SaveAnnotations(ctx context.Context, snap annotation.Snapshot) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.doc(snap.DocumentID)
	ids := make(map[string]int64)

	d.set.Redactions = upsert(d.set.Redactions, snap.Redactions, m.id, ids,
		func(x annotation.Redaction) (int64, string, bool, bool) { return x.ID, x.GUID, x.Pending, x.Deleted },
		func(x *annotation.Redaction, id int64) { x.ID, x.Pending = id, false })
	d.set.Rotations = upsert(d.set.Rotations, snap.Rotations, m.id, ids,
		func(x annotation.Rotation) (int64, string, bool, bool) { return x.ID, x.Key, x.Pending, x.Deleted },
		func(x *annotation.Rotation, id int64) { x.ID, x.Pending = id, false })
	d.set.PageBreaks = upsert(d.set.PageBreaks, snap.PageBreaks, m.id, ids,
		func(x annotation.PageBreak) (int64, string, bool, bool) { return x.ID, x.Key, x.Pending, x.Deleted },
		func(x *annotation.PageBreak, id int64) { x.ID, x.Pending = id, false })
	d.set.PageDeletions = upsert(d.set.PageDeletions, snap.PageDeletions, m.id, ids,
		func(x annotation.PageDeletion) (int64, string, bool, bool) { return x.ID, x.Key, x.Pending, x.Deleted },
		func(x *annotation.PageDeletion, id int64) { x.ID, x.Pending = id, false })

	return ids, nil
}

// SaveIndex persists page breaks only.
func (m *MemoryStore) SaveIndex(ctx context.Context, documentID string, breaks []annotation.PageBreak) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.doc(documentID)
	ids := make(map[string]int64)
	d.set.PageBreaks = upsert(d.set.PageBreaks, breaks, m.id, ids,
		func(x annotation.PageBreak) (int64, string, bool, bool) { return x.ID, x.Key, x.Pending, x.Deleted },
		func(x *annotation.PageBreak, id int64) { x.ID, x.Pending = id, false })
	return ids, nil
}

// SaveMetadata replaces header fields.
func (m *MemoryStore) SaveMetadata(ctx context.Context, documentID string, meta annotation.Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.doc(documentID).metadata = meta
	return nil
}

// SaveOutputs records the documents a session produced.
func (m *MemoryStore) SaveOutputs(ctx context.Context, documentID string, segments []session.Segment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.doc(documentID)
	d.outputs = append(d.outputs, segments...)
	return nil
}

// Outputs lists every output recorded for a document.
func (m *MemoryStore) Outputs(documentID string) []session.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[documentID]
	if !ok {
		return nil
	}
	return append([]session.Segment(nil), d.outputs...)
}

// All returns every stored annotation of a document, soft-deleted included.
func (m *MemoryStore) All(documentID string) annotation.Set {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[documentID]
	if !ok {
		return annotation.Set{}
	}
	return d.set.Clone()
}

func indexOf[T any](items []T, id int64, idOf func(T) int64) int {
	for i, x := range items {
		if idOf(x) == id {
			return i
		}
	}
	return -1
}

// upsert applies pending entries of incoming onto stored. Deleted entries
// with ids stay stored as soft deletes.
func upsert[T any](stored, incoming []T, next func() int64, ids map[string]int64,
	fields func(T) (id int64, key string, pending, deleted bool), commit func(*T, int64)) []T {

	for _, x := range incoming {
		id, key, pending, deleted := fields(x)
		if !pending {
			continue
		}
		if id <= 0 {
			if deleted {
				continue
			}
			id = next()
			commit(&x, id)
			stored = append(stored, x)
			ids[key] = id
			continue
		}
		commit(&x, id)
		if i := indexOf(stored, id, func(s T) int64 { sid, _, _, _ := fields(s); return sid }); i >= 0 {
			stored[i] = x
		} else {
			stored = append(stored, x)
		}
		ids[key] = id
	}
	return stored
}
