// Package statediff computes field-level differences between two state
// documents. Documents are protobuf Structs, the interchange form used for
// execution state, so values of any JSON shape compare correctly.
package statediff

import (
	"sort"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Kind classifies one field-level difference.
type Kind string

const (
	// KindMissing marks a field present in A and absent in B.
	KindMissing Kind = "missing"
	// KindExtra marks a field absent in A and present in B.
	KindExtra Kind = "extra"
	// KindDifferent marks a field present in both with unequal values.
	KindDifferent Kind = "different"
)

// Difference is one divergent field between two documents.
type Difference struct {
	Field  string
	Kind   Kind
	ValueA *structpb.Value
	ValueB *structpb.Value
}

// Diff compares two documents key by key and returns the differences in
// ascending field order. A nil document compares as empty. Neither input
// is mutated and the returned values are shared with the inputs.
func Diff(a, b *structpb.Struct) []Difference {
	fieldsA := a.GetFields()
	fieldsB := b.GetFields()

	keys := make([]string, 0, len(fieldsA)+len(fieldsB))
	for key := range fieldsA {
		keys = append(keys, key)
	}
	for key := range fieldsB {
		if _, ok := fieldsA[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var diffs []Difference
	for _, key := range keys {
		va, inA := fieldsA[key]
		vb, inB := fieldsB[key]
		switch {
		case inA && !inB:
			diffs = append(diffs, Difference{Field: key, Kind: KindMissing, ValueA: va})
		case !inA && inB:
			diffs = append(diffs, Difference{Field: key, Kind: KindExtra, ValueB: vb})
		case !proto.Equal(va, vb):
			diffs = append(diffs, Difference{Field: key, Kind: KindDifferent, ValueA: va, ValueB: vb})
		}
	}
	return diffs
}

// Equal reports whether both documents hold the same fields with equal
// values. Nil and empty documents are equal.
func Equal(a, b *structpb.Struct) bool {
	return len(Diff(a, b)) == 0
}

// ValueEqual reports deep equality of two values. Two nils are equal.
func ValueEqual(a, b *structpb.Value) bool {
	return proto.Equal(a, b)
}

// Flip reverses the direction convention of a difference: missing becomes
// extra and the values swap, so Diff(a, b) flipped equals Diff(b, a).
func Flip(d Difference) Difference {
	out := Difference{Field: d.Field, ValueA: d.ValueB, ValueB: d.ValueA}
	switch d.Kind {
	case KindMissing:
		out.Kind = KindExtra
	case KindExtra:
		out.Kind = KindMissing
	default:
		out.Kind = d.Kind
	}
	return out
}
