package statediff

import (
	"testing"

	"google.golang.org/protobuf/types/known/structpb"
)

func doc(t *testing.T, fields map[string]any) *structpb.Struct {
	t.Helper()
	if fields == nil {
		return nil
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("structpb.NewStruct() error = %v", err)
	}
	return s
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name string
		a    map[string]any
		b    map[string]any
		want []Difference
	}{
		{
			name: "identical",
			a:    map[string]any{"x": 1, "y": "ok"},
			b:    map[string]any{"x": 1, "y": "ok"},
			want: nil,
		},
		{
			name: "both nil",
			a:    nil,
			b:    nil,
			want: nil,
		},
		{
			name: "missing field",
			a:    map[string]any{"x": 1, "gone": true},
			b:    map[string]any{"x": 1},
			want: []Difference{{Field: "gone", Kind: KindMissing}},
		},
		{
			name: "extra field",
			a:    map[string]any{"x": 1},
			b:    map[string]any{"x": 1, "added": "later"},
			want: []Difference{{Field: "added", Kind: KindExtra}},
		},
		{
			name: "different value",
			a:    map[string]any{"x": 1},
			b:    map[string]any{"x": 2},
			want: []Difference{{Field: "x", Kind: KindDifferent}},
		},
		{
			name: "nil versus populated",
			a:    nil,
			b:    map[string]any{"x": 1, "y": 2},
			want: []Difference{
				{Field: "x", Kind: KindExtra},
				{Field: "y", Kind: KindExtra},
			},
		},
		{
			name: "mixed kinds in field order",
			a:    map[string]any{"alpha": 1, "delta": 4, "zeta": 26},
			b:    map[string]any{"beta": 2, "delta": 5, "zeta": 26},
			want: []Difference{
				{Field: "alpha", Kind: KindMissing},
				{Field: "beta", Kind: KindExtra},
				{Field: "delta", Kind: KindDifferent},
			},
		},
		{
			name: "nested map difference",
			a:    map[string]any{"cfg": map[string]any{"retries": 3}},
			b:    map[string]any{"cfg": map[string]any{"retries": 5}},
			want: []Difference{{Field: "cfg", Kind: KindDifferent}},
		},
		{
			name: "list difference",
			a:    map[string]any{"tags": []any{"a", "b"}},
			b:    map[string]any{"tags": []any{"a", "c"}},
			want: []Difference{{Field: "tags", Kind: KindDifferent}},
		},
		{
			name: "type change",
			a:    map[string]any{"v": 1},
			b:    map[string]any{"v": "1"},
			want: []Difference{{Field: "v", Kind: KindDifferent}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(doc(t, tt.a), doc(t, tt.b))
			if len(got) != len(tt.want) {
				t.Fatalf("Diff() returned %d differences, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i].Field != tt.want[i].Field {
					t.Errorf("diff[%d].Field = %q, want %q", i, got[i].Field, tt.want[i].Field)
				}
				if got[i].Kind != tt.want[i].Kind {
					t.Errorf("diff[%d].Kind = %q, want %q", i, got[i].Kind, tt.want[i].Kind)
				}
			}
		})
	}
}

func TestDiff_Values(t *testing.T) {
	a := doc(t, map[string]any{"x": 1, "gone": true})
	b := doc(t, map[string]any{"x": 2, "added": "new"})

	diffs := Diff(a, b)
	if len(diffs) != 3 {
		t.Fatalf("Diff() returned %d differences, want 3", len(diffs))
	}

	// Sorted field order: added, gone, x.
	added := diffs[0]
	if added.ValueA != nil {
		t.Errorf("extra field ValueA = %v, want nil", added.ValueA)
	}
	if added.ValueB.GetStringValue() != "new" {
		t.Errorf("extra field ValueB = %v, want %q", added.ValueB, "new")
	}

	gone := diffs[1]
	if !gone.ValueA.GetBoolValue() {
		t.Errorf("missing field ValueA = %v, want true", gone.ValueA)
	}
	if gone.ValueB != nil {
		t.Errorf("missing field ValueB = %v, want nil", gone.ValueB)
	}

	x := diffs[2]
	if x.ValueA.GetNumberValue() != 1 || x.ValueB.GetNumberValue() != 2 {
		t.Errorf("changed field values = %v/%v, want 1/2", x.ValueA, x.ValueB)
	}
}

func TestEqual(t *testing.T) {
	if !Equal(nil, nil) {
		t.Error("Equal(nil, nil) = false, want true")
	}
	if !Equal(nil, doc(t, map[string]any{})) {
		t.Error("Equal(nil, empty) = false, want true")
	}
	if !Equal(doc(t, map[string]any{"x": 1}), doc(t, map[string]any{"x": 1})) {
		t.Error("Equal() on identical docs = false, want true")
	}
	if Equal(doc(t, map[string]any{"x": 1}), doc(t, map[string]any{"x": 2})) {
		t.Error("Equal() on different docs = true, want false")
	}
}

func TestValueEqual(t *testing.T) {
	if !ValueEqual(nil, nil) {
		t.Error("ValueEqual(nil, nil) = false, want true")
	}
	if ValueEqual(structpb.NewNumberValue(1), nil) {
		t.Error("ValueEqual(value, nil) = true, want false")
	}
	if !ValueEqual(structpb.NewStringValue("a"), structpb.NewStringValue("a")) {
		t.Error("ValueEqual() on equal strings = false, want true")
	}
	if ValueEqual(structpb.NewNumberValue(1), structpb.NewStringValue("1")) {
		t.Error("ValueEqual() across types = true, want false")
	}
}

func TestFlip(t *testing.T) {
	a := doc(t, map[string]any{"alpha": 1, "delta": 4})
	b := doc(t, map[string]any{"beta": 2, "delta": 5})

	forward := Diff(a, b)
	reverse := Diff(b, a)
	if len(forward) != len(reverse) {
		t.Fatalf("Diff lengths differ: %d vs %d", len(forward), len(reverse))
	}

	for i := range forward {
		flipped := Flip(forward[i])
		if flipped.Field != reverse[i].Field || flipped.Kind != reverse[i].Kind {
			t.Errorf("Flip(forward[%d]) = %+v, want %+v", i, flipped, reverse[i])
		}
		if !ValueEqual(flipped.ValueA, reverse[i].ValueA) || !ValueEqual(flipped.ValueB, reverse[i].ValueB) {
			t.Errorf("Flip(forward[%d]) values = %v/%v, want %v/%v",
				i, flipped.ValueA, flipped.ValueB, reverse[i].ValueA, reverse[i].ValueB)
		}
	}
}
