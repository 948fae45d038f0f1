package query

import (
	"encoding/base64"
	"encoding/json"
	"sort"

	"github.com/fluxstore/core/coreerr"
)

// cursorVersion is bumped whenever the wire encoding changes shape; Decode
// rejects any other version with a Validation error (spec.md §6).
const cursorVersion = 1

// Cursor is an opaque, reversible encoding of a point in an ordered query
// (spec.md §3, §6). Callers never inspect its fields directly; they pass it
// back into Query.After/Query.Before.
type Cursor struct {
	values map[string]any
}

type cursorWire struct {
	Version int            `json:"v"`
	Fields  []string       `json:"f"`
	Values  map[string]any `json:"values"`
}

// ToCursor builds the cursor for item under the given orderings: the map of
// orderByField -> value (spec.md §3).
func ToCursor[T any](item T, orderings []Ordering, accessor FieldAccessor[T]) Cursor {
	values := make(map[string]any, len(orderings))
	for _, o := range orderings {
		values[o.Field] = accessor(item, o.Field)
	}
	return Cursor{values: values}
}

// Fields returns the ordered field names this cursor was built from, in a
// deterministic (sorted) order — used only for validating against a query's
// ordering field set, not for comparison order (comparison order always
// follows the query's own Orderings()).
func (c Cursor) Fields() []string {
	out := make([]string, 0, len(c.values))
	for f := range c.values {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Encode serializes the cursor to an opaque, versioned string. encode ->
// decode -> encode yields the same bytes for the same values (spec.md §6),
// because Go's encoding/json marshals map keys in sorted order
// deterministically.
func (c Cursor) Encode() (string, error) {
	fields := c.Fields()
	wire := cursorWire{Version: cursorVersion, Fields: fields, Values: c.values}
	raw, err := json.Marshal(wire)
	if err != nil {
		return "", coreerr.New(coreerr.Validation, "encode cursor", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// DecodeCursor parses a string produced by Cursor.Encode, rejecting mismatched
// versions with a Validation error (spec.md §6).
func DecodeCursor(s string) (Cursor, error) {
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, coreerr.New(coreerr.Validation, "decode cursor: invalid encoding", err)
	}
	var wire cursorWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Cursor{}, coreerr.New(coreerr.Validation, "decode cursor: invalid payload", err)
	}
	if wire.Version != cursorVersion {
		return Cursor{}, coreerr.New(coreerr.Validation, "decode cursor: unsupported version", nil)
	}
	return Cursor{values: wire.Values}, nil
}

// validateAgainst checks that a decoded cursor's field set exactly matches
// the query's ordering field set (spec.md §4.1: "A cursor whose decoded
// field set does not equal the query's ordering field set causes a
// validation error").
func (c Cursor) validateAgainst(orderings []Ordering) error {
	want := make(map[string]bool, len(orderings))
	for _, o := range orderings {
		want[o.Field] = true
	}
	if len(want) != len(c.values) {
		return coreerr.New(coreerr.Validation, "cursor field set does not match query ordering", nil)
	}
	for f := range c.values {
		if !want[f] {
			return coreerr.New(coreerr.Validation, "cursor field set does not match query ordering", nil)
		}
	}
	return nil
}

// afterOrderValues returns the cursor's value map if an After cursor is set
// and valid against q's orderings. The Evaluate* functions call
// Query.Validate before paginating and return its error, so an invalid
// cursor does not reach paginate through them; paginate itself treats an
// invalid cursor as absent.
func (q Query) afterOrderValues() (map[string]any, bool) {
	if q.afterCursor == nil {
		return nil, false
	}
	if err := q.afterCursor.validateAgainst(q.orderings); err != nil {
		return nil, false
	}
	return q.afterCursor.values, true
}

func (q Query) beforeOrderValues() (map[string]any, bool) {
	if q.beforeCursor == nil {
		return nil, false
	}
	if err := q.beforeCursor.validateAgainst(q.orderings); err != nil {
		return nil, false
	}
	return q.beforeCursor.values, true
}

// Validate checks the query's structural invariants: an After/Before cursor
// whose field set disagrees with the query's Orderings is a Validation
// error. The Evaluate* functions call it before evaluating.
func (q Query) Validate() error {
	if q.afterCursor != nil {
		if err := q.afterCursor.validateAgainst(q.orderings); err != nil {
			return err
		}
	}
	if q.beforeCursor != nil {
		if err := q.beforeCursor.validateAgainst(q.orderings); err != nil {
			return err
		}
	}
	return nil
}
