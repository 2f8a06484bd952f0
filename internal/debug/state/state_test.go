package state

import (
	"reflect"
	"testing"
)

func TestFromMap_RoundTrip(t *testing.T) {
	m := map[string]any{
		"name":    "deploy",
		"retries": float64(3),
		"done":    false,
		"tags":    []any{"a", "b"},
		"nested":  map[string]any{"x": float64(1)},
		"empty":   nil,
	}

	doc, err := FromMap(m)
	if err != nil {
		t.Fatalf("FromMap() error = %v", err)
	}

	got := AsMap(doc)
	if !reflect.DeepEqual(got, m) {
		t.Errorf("AsMap() = %v, want %v", got, m)
	}
}

func TestFromMap_RejectsUnsupportedValue(t *testing.T) {
	_, err := FromMap(map[string]any{"ch": make(chan int)})
	if err == nil {
		t.Fatal("FromMap() with a channel value should fail")
	}
}

func TestClone_Isolation(t *testing.T) {
	doc := MustFromMap(map[string]any{"x": float64(1)})

	clone := Clone(doc)
	clone.Fields["x"] = MustFromMap(map[string]any{"x": float64(2)}).Fields["x"]

	v, ok := Field(doc, "x")
	if !ok {
		t.Fatal("Field(x) missing after clone mutation")
	}
	if v.GetNumberValue() != 1 {
		t.Errorf("original x = %v, want 1 (clone must not alias)", v.GetNumberValue())
	}
}

func TestEqual(t *testing.T) {
	a := MustFromMap(map[string]any{"x": float64(1), "y": "s"})
	b := MustFromMap(map[string]any{"y": "s", "x": float64(1)})
	c := MustFromMap(map[string]any{"x": float64(2), "y": "s"})

	if !Equal(a, b) {
		t.Error("Equal(a, b) = false, want true for same fields")
	}
	if Equal(a, c) {
		t.Error("Equal(a, c) = true, want false for differing value")
	}
	if !Equal(nil, &Document{}) {
		t.Error("Equal(nil, empty) = false, want true")
	}
}

func TestKeys_Sorted(t *testing.T) {
	doc := MustFromMap(map[string]any{"zeta": float64(1), "alpha": float64(2), "mid": float64(3)})

	got := Keys(doc)
	want := []string{"alpha", "mid", "zeta"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}

	if Keys(nil) != nil {
		t.Error("Keys(nil) should be nil")
	}
}

func TestMarshal_RoundTrip(t *testing.T) {
	doc := MustFromMap(map[string]any{
		"counter": float64(42),
		"inner":   map[string]any{"ok": true},
	})

	data, err := Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if !Equal(doc, decoded) {
		t.Errorf("round-trip mismatch: got %v, want %v", AsMap(decoded), AsMap(doc))
	}
}

func TestUnmarshal_Empty(t *testing.T) {
	doc, err := Unmarshal(nil)
	if err != nil {
		t.Fatalf("Unmarshal(nil) error = %v", err)
	}
	if Len(doc) != 0 {
		t.Errorf("Len() = %d, want 0", Len(doc))
	}
}

func TestValueEqual(t *testing.T) {
	a := MustFromMap(map[string]any{"x": float64(1)})
	b := MustFromMap(map[string]any{"x": float64(1)})
	c := MustFromMap(map[string]any{"x": "1"})

	av, _ := Field(a, "x")
	bv, _ := Field(b, "x")
	cv, _ := Field(c, "x")

	if !ValueEqual(av, bv) {
		t.Error("ValueEqual(1, 1) = false, want true")
	}
	if ValueEqual(av, cv) {
		t.Error("ValueEqual(1, \"1\") = true, want false across value kinds")
	}
	if ValueEqual(av, nil) {
		t.Error("ValueEqual(v, nil) = true, want false")
	}
}
