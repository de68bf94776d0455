// ABOUTME: Codec for the pipe-delimited bookmark text stored on page breaks
// ABOUTME: Format is DocTypeName|DocTypeID|Date|Comments with tolerant decoding

package bookmark

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Delimiter separates the bookmark fields.
const Delimiter = "|"

// DateLayout is the layout Encode writes dates with.
const DateLayout = "2006-01-02"

var (
	// ErrFormat is returned when text has fewer than two fields.
	ErrFormat = errors.New("bookmark: malformed text")

	// ErrDelimiterInName is returned when a type name contains the delimiter,
	// which would shift every following field.
	ErrDelimiterInName = errors.New("bookmark: document type name contains delimiter")
)

// Numeric layouts only, so parsing never depends on the process locale.
var dateLayouts = []string{
	DateLayout,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"01/02/2006 15:04:05",
	"1/2/2006 3:04:05 PM",
	"20060102",
}

// Bookmark is the decoded form of a page-break tag.
type Bookmark struct {
	TypeName string
	Type     DocType
	Date     *time.Time // calendar date at UTC midnight
	Comments string
}

// Decode parses bookmark text. Only a missing type-id field is an error;
// bad ids and dates degrade to "not set".
func Decode(text string) (Bookmark, error) {
	fields := strings.Split(text, Delimiter)
	if len(fields) < 2 {
		return Bookmark{}, fmt.Errorf("%w: %q", ErrFormat, text)
	}

	b := Bookmark{TypeName: norm.NFC.String(fields[0])}

	if id, err := strconv.Atoi(strings.TrimSpace(fields[1])); err == nil {
		b.Type = Typed(id)
	}

	if len(fields) >= 3 {
		b.Date = ParseDate(fields[2])
	}

	if len(fields) >= 4 {
		// comments may themselves contain the delimiter
		b.Comments = norm.NFC.String(strings.TrimSpace(strings.Join(fields[3:], Delimiter)))
	}

	return b, nil
}

// Encode renders b, dropping trailing empty fields.
func Encode(b Bookmark) (string, error) {
	name := norm.NFC.String(b.TypeName)
	if strings.Contains(name, Delimiter) {
		return "", fmt.Errorf("%w: %q", ErrDelimiterInName, name)
	}

	fields := []string{
		name,
		strconv.Itoa(b.Type.WireID()),
		"",
		norm.NFC.String(strings.TrimSpace(b.Comments)),
	}
	if b.Date != nil {
		fields[2] = b.Date.Format(DateLayout)
	}

	n := len(fields)
	for n > 2 && fields[n-1] == "" {
		n--
	}
	return strings.Join(fields[:n], Delimiter), nil
}

// ParseDate tries each supported layout and returns the calendar date, or
// nil when s is blank or unparsable.
func ParseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}
	return nil
}

// Display renders a human label such as "Appraisal (2024-03-01) - revised".
func Display(b Bookmark) string {
	label := b.TypeName
	if label == "" {
		if id, ok := b.Type.ID(); ok {
			label = "Type " + strconv.Itoa(id)
		} else {
			label = "Unassigned"
		}
	}
	if b.Date != nil {
		label += " (" + b.Date.Format(DateLayout) + ")"
	}
	if b.Comments != "" {
		label += " - " + b.Comments
	}
	return label
}
