// ABOUTME: Tests for the bookmark text codec
// ABOUTME: Covers tolerant decoding rules and randomized round trips

package bookmark

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func date(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestDecodeRules(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Bookmark
	}{
		{"name and id", "Appraisal|12", Bookmark{TypeName: "Appraisal", Type: Typed(12)}},
		{"legacy empty name", "|7", Bookmark{Type: Typed(7)}},
		{"zero id is generic", "Misc|0", Bookmark{TypeName: "Misc"}},
		{"negative id is generic", "Misc|-1", Bookmark{TypeName: "Misc"}},
		{"garbage id is generic", "Misc|abc", Bookmark{TypeName: "Misc"}},
		{"iso date", "Note|3|2024-03-01", Bookmark{TypeName: "Note", Type: Typed(3), Date: date(2024, 3, 1)}},
		{"us date", "Note|3|03/01/2024", Bookmark{TypeName: "Note", Type: Typed(3), Date: date(2024, 3, 1)}},
		{"blank date", "Note|3|   ", Bookmark{TypeName: "Note", Type: Typed(3)}},
		{"bad date", "Note|3|someday", Bookmark{TypeName: "Note", Type: Typed(3)}},
		{"comments trimmed", "Note|3||  signed copy  ", Bookmark{TypeName: "Note", Type: Typed(3), Comments: "signed copy"}},
		{"comments with pipe", "Note|3|2024-01-02|a|b", Bookmark{TypeName: "Note", Type: Typed(3), Date: date(2024, 1, 2), Comments: "a|b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.text)
			if err != nil {
				t.Fatalf("Failed to decode %q: %v", tt.text, err)
			}
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(DocType{})); diff != "" {
				t.Errorf("Decode(%q) mismatch (-want +got):\n%s", tt.text, diff)
			}
		})
	}
}

func TestDecodeTooFewFields(t *testing.T) {
	for _, text := range []string{"", "Appraisal"} {
		if _, err := Decode(text); !errors.Is(err, ErrFormat) {
			t.Errorf("Decode(%q): expected ErrFormat, got %v", text, err)
		}
	}
}

func TestEncodeOmitsTrailingEmptyFields(t *testing.T) {
	tests := []struct {
		in   Bookmark
		want string
	}{
		{Bookmark{TypeName: "Appraisal", Type: Typed(12)}, "Appraisal|12"},
		{Bookmark{TypeName: "Misc"}, "Misc|-1"},
		{Bookmark{TypeName: "Note", Type: Typed(3), Date: date(2024, 3, 1)}, "Note|3|2024-03-01"},
		{Bookmark{TypeName: "Note", Type: Typed(3), Comments: "x"}, "Note|3||x"},
	}

	for _, tt := range tests {
		got, err := Encode(tt.in)
		if err != nil {
			t.Fatalf("Failed to encode %+v: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}

func TestEncodeRejectsDelimiterInName(t *testing.T) {
	_, err := Encode(Bookmark{TypeName: "A|B", Type: Typed(1)})
	if !errors.Is(err, ErrDelimiterInName) {
		t.Errorf("Expected ErrDelimiterInName, got %v", err)
	}
}

func randomWord(rng *rand.Rand, alphabet string, max int) string {
	n := rng.Intn(max + 1)
	var sb strings.Builder
	for i := 0; i < n; i++ {
		sb.WriteByte(alphabet[rng.Intn(len(alphabet))])
	}
	return sb.String()
}

func randomBookmark(rng *rand.Rand) Bookmark {
	b := Bookmark{
		TypeName: randomWord(rng, "ABCDEFGHIJ klmnop-", 12),
		Comments: strings.TrimSpace(randomWord(rng, "abc xyz|.,", 20)),
	}
	if rng.Intn(2) == 0 {
		b.Type = Typed(1 + rng.Intn(5000))
	}
	if rng.Intn(2) == 0 {
		b.Date = date(1990+rng.Intn(40), time.Month(1+rng.Intn(12)), 1+rng.Intn(28))
	}
	return b
}

func TestRoundTripProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 1000; i++ {
		want := randomBookmark(rng)

		text, err := Encode(want)
		if err != nil {
			t.Fatalf("Failed to encode %+v: %v", want, err)
		}
		got, err := Decode(text)
		if err != nil {
			t.Fatalf("Failed to decode %q: %v", text, err)
		}
		if diff := cmp.Diff(want, got, cmp.AllowUnexported(DocType{})); diff != "" {
			t.Fatalf("Round trip of %q mismatch (-want +got):\n%s", text, diff)
		}

		// re-encoding a decoded string is stable
		again, err := Encode(got)
		if err != nil {
			t.Fatalf("Failed to re-encode: %v", err)
		}
		if again != text {
			t.Fatalf("Re-encode changed text: %q -> %q", text, again)
		}
	}
}

func TestDocTypeVariant(t *testing.T) {
	if !Generic().IsGeneric() || Generic().WireID() != GenericSentinel {
		t.Error("Generic should serialize to the sentinel")
	}
	if id, ok := Typed(42).ID(); !ok || id != 42 {
		t.Errorf("Expected typed id 42, got %d/%v", id, ok)
	}
	if !FromWireID(GenericSentinel).IsGeneric() {
		t.Error("Sentinel should decode to Generic")
	}
}

func TestDisplay(t *testing.T) {
	got := Display(Bookmark{TypeName: "Appraisal", Type: Typed(1), Date: date(2024, 3, 1), Comments: "revised"})
	if got != "Appraisal (2024-03-01) - revised" {
		t.Errorf("Unexpected display text: %q", got)
	}
	if Display(Bookmark{}) != "Unassigned" {
		t.Errorf("Unexpected display text for empty bookmark: %q", Display(Bookmark{}))
	}
}
