// ABOUTME: Explicit document-type variant for page breaks
// ABOUTME: Typed(id) or Generic; the -1 sentinel only exists at the wire boundary

package bookmark

import (
	"encoding/json"
	"strconv"
)

// GenericSentinel is the wire value used for a break with no document type.
const GenericSentinel = -1

// DocType is either a concrete document type id or the generic marker.
// The zero value is Generic.
type DocType struct {
	id int
}

// Typed returns a document type with the given id. Non-positive ids carry
// no type information and yield Generic.
func Typed(id int) DocType {
	if id <= 0 {
		return DocType{}
	}
	return DocType{id: id}
}

// Generic returns the "no type assigned" variant.
func Generic() DocType {
	return DocType{}
}

// FromWireID converts a persisted or transmitted id, sentinel included.
func FromWireID(id int) DocType {
	return Typed(id)
}

// ID returns the type id and true, or 0 and false for Generic.
func (d DocType) ID() (int, bool) {
	return d.id, d.id > 0
}

// IsGeneric reports whether no document type is assigned.
func (d DocType) IsGeneric() bool {
	return d.id <= 0
}

// WireID returns the id, or GenericSentinel for Generic.
func (d DocType) WireID() int {
	if d.IsGeneric() {
		return GenericSentinel
	}
	return d.id
}

func (d DocType) String() string {
	if d.IsGeneric() {
		return "generic"
	}
	return "type:" + strconv.Itoa(d.id)
}

// MarshalJSON writes the wire id, sentinel included.
func (d DocType) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.WireID())
}

// UnmarshalJSON reads a wire id.
func (d *DocType) UnmarshalJSON(data []byte) error {
	var id int
	if err := json.Unmarshal(data, &id); err != nil {
		return err
	}
	*d = FromWireID(id)
	return nil
}
