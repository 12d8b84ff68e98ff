package canonjson

import (
	"bytes"
	"testing"
)

func TestMarshalKeyOrderIndependence(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": map[string]any{"z": 1, "y": 2}}
	b := map[string]any{"c": map[string]any{"y": 2, "z": 1}, "a": 2, "b": 1}

	ba, err := Marshal(a)
	if err != nil {
		t.Fatalf("marshal a: %v", err)
	}
	bb, err := Marshal(b)
	if err != nil {
		t.Fatalf("marshal b: %v", err)
	}
	if !bytes.Equal(ba, bb) {
		t.Errorf("same value, different bytes:\n%s\n%s", ba, bb)
	}
	want := `{"a":2,"b":1,"c":{"y":2,"z":1}}`
	if string(ba) != want {
		t.Errorf("got %s, want %s", ba, want)
	}
}

func TestMarshalNumberFormatting(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"integer stays integer", map[string]any{"n": 42}, `{"n":42}`},
		{"six decimals kept", map[string]any{"t": 1.234567891}, `{"t":1.234568}`},
		{"trailing zeros trimmed", map[string]any{"t": 2.5000001}, `{"t":2.5}`},
		{"negative zero collapses", map[string]any{"t": -0.0000001}, `{"t":0}`},
		{"plain float", map[string]any{"t": 10.5}, `{"t":10.5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.in)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

// Encoding is a fixed point: decode(encode(x)) re-encodes to the same bytes.
func TestMarshalFixedPoint(t *testing.T) {
	type artifact struct {
		Name   string    `json:"name"`
		Start  float64   `json:"start"`
		Events []float64 `json:"events"`
	}
	x := artifact{Name: "timeline", Start: 10.123456789, Events: []float64{1.5, 2.000001}}

	first, err := Marshal(x)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded artifact
	if err := Unmarshal(first, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	second, err := Marshal(decoded)
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("not a fixed point:\n%s\n%s", first, second)
	}
}

func TestMarshalIndentMatchesCompact(t *testing.T) {
	v := map[string]any{"b": []any{1, 2}, "a": "x"}
	pretty, err := MarshalIndent(v)
	if err != nil {
		t.Fatalf("indent: %v", err)
	}
	var back map[string]any
	if err := Unmarshal(pretty, &back); err != nil {
		t.Fatalf("unmarshal pretty: %v", err)
	}
	c1, _ := Marshal(v)
	c2, _ := Marshal(back)
	if !bytes.Equal(c1, c2) {
		t.Errorf("indent changed value: %s vs %s", c1, c2)
	}
}
