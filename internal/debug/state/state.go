package state

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Document holds the full variable/context state captured at one execution
// step: string keys mapping to tagged-union values (null, number, string,
// bool, list, nested document). Snapshots record complete documents, not
// deltas.
type Document = structpb.Struct

// Value is one field of a Document.
type Value = structpb.Value

// FromMap builds a Document from a plain Go map. Values must be
// JSON-representable (nil, bool, numbers, string, []any, map[string]any).
func FromMap(m map[string]any) (*Document, error) {
	if m == nil {
		m = map[string]any{}
	}
	doc, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build state document: %w", err)
	}
	return doc, nil
}

// MustFromMap is FromMap for statically known inputs, mostly tests.
func MustFromMap(m map[string]any) *Document {
	doc, err := FromMap(m)
	if err != nil {
		panic(err)
	}
	return doc
}

// AsMap converts a Document back to a plain Go map. Nil in, nil out.
func AsMap(d *Document) map[string]any {
	if d == nil {
		return nil
	}
	return d.AsMap()
}

// Clone returns a deep copy. Callers hand documents across component
// boundaries; cloning keeps stored state immutable.
func Clone(d *Document) *Document {
	if d == nil {
		return nil
	}
	return proto.Clone(d).(*Document)
}

// Equal reports deep equality of two documents. Nil equals nil and the
// empty document.
func Equal(a, b *Document) bool {
	if a == nil {
		a = &Document{}
	}
	if b == nil {
		b = &Document{}
	}
	return proto.Equal(a, b)
}

// ValueEqual reports deep equality of two field values. A nil value equals
// only nil.
func ValueEqual(a, b *Value) bool {
	if a == nil || b == nil {
		return a == b
	}
	return proto.Equal(a, b)
}

// Keys returns the document's field names in sorted order. Iteration over
// documents is always by sorted key so derived views stay deterministic.
func Keys(d *Document) []string {
	if d == nil || len(d.GetFields()) == 0 {
		return nil
	}
	keys := make([]string, 0, len(d.GetFields()))
	for k := range d.GetFields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Field looks up a single field value.
func Field(d *Document, key string) (*Value, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d.GetFields()[key]
	return v, ok
}

// Len returns the number of fields.
func Len(d *Document) int {
	if d == nil {
		return 0
	}
	return len(d.GetFields())
}

// Marshal encodes a Document as canonical JSON for persistence. Nil encodes
// as the empty document.
func Marshal(d *Document) ([]byte, error) {
	if d == nil {
		d = &Document{}
	}
	data, err := protojson.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal state document: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a Document produced by Marshal.
func Unmarshal(data []byte) (*Document, error) {
	doc := &Document{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := protojson.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("unmarshal state document: %w", err)
	}
	return doc, nil
}
