// ABOUTME: Segment partitioning of a document by its active page breaks
// ABOUTME: Detects deletions that orphan the tail of a segment

package annotation

import "sort"

// Segment is a contiguous page range [Start, End) of the original document.
// Head is the break opening the segment, nil for the implicit segment at 0.
type Segment struct {
	Start int
	End   int
	Head  *PageBreak
}

// Segments partitions [0, pageCount) by the active breaks. A segment always
// starts at page 0 even when no break is recorded there.
func Segments(pageCount int, breaks []PageBreak) []Segment {
	active := activeBreaks(breaks)

	var out []Segment
	start := 0
	var head *PageBreak
	for i := range active {
		b := active[i]
		if b.PageIndex <= 0 {
			head = &b
			continue
		}
		if b.PageIndex >= pageCount {
			break
		}
		out = append(out, Segment{Start: start, End: b.PageIndex, Head: head})
		start, head = b.PageIndex, &b
	}
	if start < pageCount {
		out = append(out, Segment{Start: start, End: pageCount, Head: head})
	}
	return out
}

// activeBreaks returns non-deleted breaks ordered by page.
func activeBreaks(breaks []PageBreak) []PageBreak {
	out := make([]PageBreak, 0, len(breaks))
	for _, b := range breaks {
		if !b.Deleted {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageIndex < out[j].PageIndex })
	return out
}

// deletedPages returns the set of pages flagged by active deletions.
func deletedPages(deletions []PageDeletion) map[int]bool {
	out := make(map[int]bool, len(deletions))
	for _, d := range deletions {
		if !d.Deleted {
			out[d.PageIndex] = true
		}
	}
	return out
}

// segmentViolations lists the breaks whose head page is flagged for
// deletion while other pages of the same segment survive.
func segmentViolations(pageCount int, breaks []PageBreak, deletions []PageDeletion) []PageBreak {
	deleted := deletedPages(deletions)
	var out []PageBreak
	for _, seg := range Segments(pageCount, breaks) {
		if seg.Head == nil || !deleted[seg.Start] {
			continue
		}
		for p := seg.Start + 1; p < seg.End; p++ {
			if !deleted[p] {
				out = append(out, *seg.Head)
				break
			}
		}
	}
	return out
}

// newViolation returns the first violation present in after but not before.
func newViolation(before, after []PageBreak) *PageBreak {
	seen := make(map[string]bool, len(before))
	for _, b := range before {
		seen[b.Key] = true
	}
	for _, b := range after {
		if !seen[b.Key] {
			v := b
			return &v
		}
	}
	return nil
}
