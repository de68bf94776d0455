package manipulation

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nainya/docsplit/pkg/annotation"
	"github.com/nainya/docsplit/pkg/bookmark"
	"github.com/nainya/docsplit/pkg/session"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		snap annotation.Snapshot
		want SaveKind
	}{
		{
			name: "nothing pending",
			snap: annotation.Snapshot{PageCount: 10, Set: annotation.Set{
				PageBreaks: []annotation.PageBreak{{Key: "old", PageIndex: 3}},
			}},
			want: SaveNoop,
		},
		{
			name: "metadata only",
			snap: annotation.Snapshot{PageCount: 10, MetadataChanged: true},
			want: SaveSimple,
		},
		{
			name: "single break at start",
			snap: annotation.Snapshot{PageCount: 10, Set: annotation.Set{
				PageBreaks: []annotation.PageBreak{{Key: "b", PageIndex: 0, Pending: true}},
			}},
			want: SaveIndexOnly,
		},
		{
			name: "removed break merges segments",
			snap: annotation.Snapshot{PageCount: 10, Set: annotation.Set{
				PageBreaks: []annotation.PageBreak{{Key: "b", ID: 4, PageIndex: 6, Pending: true, Deleted: true}},
			}},
			want: SaveIndexOnly,
		},
		{
			name: "break splits document",
			snap: annotation.Snapshot{PageCount: 10, Set: annotation.Set{
				PageBreaks: []annotation.PageBreak{{Key: "b", PageIndex: 5, Pending: true}},
			}},
			want: SaveFull,
		},
		{
			name: "break plus metadata",
			snap: annotation.Snapshot{PageCount: 10, MetadataChanged: true, Set: annotation.Set{
				PageBreaks: []annotation.PageBreak{{Key: "b", PageIndex: 0, Pending: true}},
			}},
			want: SaveFull,
		},
		{
			name: "pending deletion",
			snap: annotation.Snapshot{PageCount: 10, Set: annotation.Set{
				PageDeletions: []annotation.PageDeletion{{Key: "d", PageIndex: 9, Pending: true}},
			}},
			want: SaveFull,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.snap); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPlanSegmentsDropsDeletedPages(t *testing.T) {
	breaks := []annotation.PageBreak{
		{Key: "a", PageIndex: 0, Type: bookmark.Typed(1), TypeName: "Note"},
		{Key: "b", PageIndex: 4, Type: bookmark.Typed(2), TypeName: "Deed"},
		{Key: "c", PageIndex: 7},
	}
	deletions := []annotation.PageDeletion{
		{PageIndex: 2},
		{PageIndex: 7}, {PageIndex: 8}, {PageIndex: 9},
		{PageIndex: 5, Deleted: true},
	}

	got := PlanSegments(10, breaks, deletions)
	want := []session.Segment{
		{Start: 0, End: 4, PageCount: 3, Pages: []int{0, 1, 3}, Type: bookmark.Typed(1), TypeName: "Note", Operation: session.OpFullSplit},
		{Start: 4, End: 7, PageCount: 3, Pages: []int{4, 5, 6}, Type: bookmark.Typed(2), TypeName: "Deed", Operation: session.OpFullSplit},
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(bookmark.DocType{})); diff != "" {
		t.Errorf("PlanSegments mismatch (-want +got):\n%s", diff)
	}
}

func TestPlanSegmentsRename(t *testing.T) {
	got := PlanSegments(3, []annotation.PageBreak{{PageIndex: 0, Type: bookmark.Typed(5)}}, nil)
	if len(got) != 1 || got[0].Operation != session.OpRenameOnly || got[0].Type != bookmark.Typed(5) {
		t.Fatalf("unexpected plan %+v", got)
	}

	// one surviving segment that lost a page is still re-rendered
	got = PlanSegments(3, nil, []annotation.PageDeletion{{PageIndex: 2}})
	if len(got) != 1 || got[0].Operation != session.OpFullSplit || !got[0].Type.IsGeneric() {
		t.Fatalf("unexpected plan %+v", got)
	}
}
