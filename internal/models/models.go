// Package models defines the core data structures for SocialSupport.
//
// It includes the form value union, form data and error maps, history entries and the
// JSON envelope shared by every API handler.
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ValueKind identifies which member of the Value union is populated.
type ValueKind uint8

const (
	// KindString marks a text value (text, select, date, phone and similar inputs).
	KindString ValueKind = iota
	// KindBool marks a checkbox value.
	KindBool
)

// ErrInvalidValue is returned when a JSON value is neither a string nor a boolean.
var ErrInvalidValue = errors.New("form value must be a string or a boolean")

// Value is a single form field value: either a string or a boolean.
type Value struct {
	kind ValueKind
	str  string
	b    bool
}

// String builds a text value.
func String(s string) Value {
	return Value{kind: KindString, str: s}
}

// Bool builds a checkbox value.
func Bool(b bool) Value {
	return Value{kind: KindBool, b: b}
}

// Kind reports which member of the union is set.
func (v Value) Kind() ValueKind { return v.kind }

// Text returns the string member, or "true"/"false" for booleans.
func (v Value) Text() string {
	if v.kind == KindBool {
		if v.b {
			return "true"
		}
		return "false"
	}
	return v.str
}

// Truthy mirrors a loose truthiness check: non-empty strings and true booleans.
func (v Value) Truthy() bool {
	if v.kind == KindBool {
		return v.b
	}
	return v.str != ""
}

// IsBlank reports whether the value fails a "required" check: an unchecked box or
// a string that is empty after trimming.
func (v Value) IsBlank() bool {
	if v.kind == KindBool {
		return !v.b
	}
	return strings.TrimSpace(v.str) == ""
}

// IsPresent reports whether the value counts towards step completeness. Any boolean
// is present; strings must be non-blank.
func (v Value) IsPresent() bool {
	if v.kind == KindBool {
		return true
	}
	return strings.TrimSpace(v.str) != ""
}

// Equal compares two values including their kind.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.str == o.str && v.b == o.b
}

// MarshalJSON encodes the value as a bare JSON string or boolean.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindBool {
		return json.Marshal(v.b)
	}
	return json.Marshal(v.str)
}

// UnmarshalJSON accepts a JSON string or boolean.
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.Equal(trimmed, []byte("true")):
		*v = Bool(true)
	case bytes.Equal(trimmed, []byte("false")):
		*v = Bool(false)
	case len(trimmed) > 0 && trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*v = String(s)
	default:
		return fmt.Errorf("%w: got %s", ErrInvalidValue, string(trimmed))
	}
	return nil
}

// FormData maps field names to their values.
type FormData map[string]Value

// Clone returns a shallow copy; Values are immutable so this is a full copy.
func (d FormData) Clone() FormData {
	out := make(FormData, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Get returns the value for name and whether it was set.
func (d FormData) Get(name string) (Value, bool) {
	v, ok := d[name]
	return v, ok
}

// String returns the text form of a field, or "" when unset.
func (d FormData) String(name string) string {
	if v, ok := d[name]; ok {
		return v.Text()
	}
	return ""
}

// Truthy reports whether name is set to a truthy value.
func (d FormData) Truthy(name string) bool {
	v, ok := d[name]
	return ok && v.Truthy()
}

// FormErrors maps field names to user-facing validation messages. A missing key means
// the field has no error.
type FormErrors map[string]string

// Clone returns a copy of the error map.
func (e FormErrors) Clone() FormErrors {
	out := make(FormErrors, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// HistoryEntry records one submission kept for the lifetime of a browser session.
type HistoryEntry struct {
	ID          string   `json:"id"`
	SubmittedAt string   `json:"submittedAt"`
	Data        FormData `json:"data"`
}

// NewHistoryEntry builds an entry whose id is the submission time in Unix milliseconds.
// History.Append keeps ids unique when two submissions share a millisecond.
func NewHistoryEntry(at time.Time, data FormData) HistoryEntry {
	return HistoryEntry{
		ID:          fmt.Sprintf("%d", at.UnixMilli()),
		SubmittedAt: at.UTC().Format(time.RFC3339Nano),
		Data:        data.Clone(),
	}
}
