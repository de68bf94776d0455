// ABOUTME: Save classification and output segment planning
// ABOUTME: Decides between no-op, metadata, index-only and full processing saves

package manipulation

import (
	"github.com/nainya/docsplit/pkg/annotation"
	"github.com/nainya/docsplit/pkg/bookmark"
	"github.com/nainya/docsplit/pkg/session"
)

// SaveKind is the outcome of classifying a save request.
type SaveKind string

const (
	SaveNoop      SaveKind = "noop"
	SaveSimple    SaveKind = "simple"
	SaveIndexOnly SaveKind = "index_only"
	SaveFull      SaveKind = "full"
)

// pendingCounts tallies uncommitted changes in a snapshot. Removals count
// toward their own kind.
type pendingCounts struct {
	breaks int
	other  int
}

func countPending(set annotation.Set) pendingCounts {
	var c pendingCounts
	for _, r := range set.Redactions {
		if r.Pending {
			c.other++
		}
	}
	for _, r := range set.Rotations {
		if r.Pending {
			c.other++
		}
	}
	for _, d := range set.PageDeletions {
		if d.Pending {
			c.other++
		}
	}
	for _, b := range set.PageBreaks {
		if b.Pending {
			c.breaks++
		}
	}
	return c
}

// Classify picks the cheapest save that commits everything in snap.
func Classify(snap annotation.Snapshot) SaveKind {
	c := countPending(snap.Set)
	switch {
	case c.breaks == 0 && c.other == 0 && !snap.MetadataChanged:
		return SaveNoop
	case c.breaks == 0 && c.other == 0:
		return SaveSimple
	case c.other == 0 && !snap.MetadataChanged && len(annotation.Segments(snap.PageCount, snap.PageBreaks)) == 1:
		return SaveIndexOnly
	}
	return SaveFull
}

// PlanSegments lists the output documents a full save produces. Deleted
// pages are dropped and segments left without pages disappear. A single
// segment keeping every page is a rename; anything else is a split.
func PlanSegments(pageCount int, breaks []annotation.PageBreak, deletions []annotation.PageDeletion) []session.Segment {
	deleted := make(map[int]bool, len(deletions))
	for _, d := range deletions {
		if !d.Deleted {
			deleted[d.PageIndex] = true
		}
	}

	var out []session.Segment
	kept := 0
	for _, seg := range annotation.Segments(pageCount, breaks) {
		var pages []int
		for p := seg.Start; p < seg.End; p++ {
			if !deleted[p] {
				pages = append(pages, p)
			}
		}
		if len(pages) == 0 {
			continue
		}
		s := session.Segment{
			Start:     seg.Start,
			End:       seg.End,
			PageCount: len(pages),
			Pages:     pages,
			Type:      bookmark.Generic(),
		}
		if seg.Head != nil {
			s.Type = seg.Head.Type
			s.TypeName = seg.Head.TypeName
		}
		kept += len(pages)
		out = append(out, s)
	}

	op := session.OpFullSplit
	if len(out) == 1 && kept == pageCount {
		op = session.OpRenameOnly
	}
	for i := range out {
		out[i].Operation = op
	}
	return out
}
