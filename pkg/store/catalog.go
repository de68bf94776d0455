package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/nainya/docsplit/pkg/manipulation"
)

// CatalogEntry is one document type in a catalog file. An empty Offerings
// list makes the type valid everywhere.
type CatalogEntry struct {
	ID        int      `json:"id"`
	Name      string   `json:"name"`
	Offerings []string `json:"offerings,omitempty"`
}

// StaticCatalog serves a fixed list of document types.
type StaticCatalog struct {
	entries []CatalogEntry
}

// NewStaticCatalog creates a catalog from entries. Ids must be positive and
// unique.
func NewStaticCatalog(entries []CatalogEntry) (*StaticCatalog, error) {
	seen := make(map[int]bool, len(entries))
	for _, e := range entries {
		if e.ID <= 0 {
			return nil, fmt.Errorf("store: document type %q has non-positive id %d", e.Name, e.ID)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("store: duplicate document type id %d", e.ID)
		}
		seen[e.ID] = true
	}
	out := append([]CatalogEntry(nil), entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return &StaticCatalog{entries: out}, nil
}

// ReadCatalog parses a JSON array of catalog entries.
func ReadCatalog(r io.Reader) (*StaticCatalog, error) {
	var entries []CatalogEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("store: decode catalog: %w", err)
	}
	return NewStaticCatalog(entries)
}

// LoadCatalog reads a catalog file.
func LoadCatalog(path string) (*StaticCatalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadCatalog(f)
}

// DocumentTypes lists the types valid for offering.
func (c *StaticCatalog) DocumentTypes(ctx context.Context, offering string) ([]manipulation.DocumentType, error) {
	var out []manipulation.DocumentType
	for _, e := range c.entries {
		if !offered(e, offering) {
			continue
		}
		out = append(out, manipulation.DocumentType{ID: e.ID, Name: e.Name})
	}
	return out, nil
}

func offered(e CatalogEntry, offering string) bool {
	if len(e.Offerings) == 0 {
		return true
	}
	for _, o := range e.Offerings {
		if o == offering {
			return true
		}
	}
	return false
}
