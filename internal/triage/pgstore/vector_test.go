package pgstore

import (
	"slices"
	"testing"
)

func TestVectorCodec(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   []float32
		text string
	}{
		{"simple", []float32{1, 0.5, -2}, "[1,0.5,-2]"},
		{"single", []float32{0.25}, "[0.25]"},
		{"empty", []float32{}, "[]"},
	}
	for _, tt := range tests {
		if got := encodeVector(tt.in); got != tt.text {
			t.Errorf("%s: encodeVector = %q, want %q", tt.name, got, tt.text)
		}
		got, err := decodeVector(tt.text)
		if err != nil {
			t.Fatalf("%s: decodeVector: %v", tt.name, err)
		}
		if !slices.Equal(got, tt.in) {
			t.Errorf("%s: decodeVector = %v, want %v", tt.name, got, tt.in)
		}
	}
}

func TestDecodeVector_Malformed(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "1,2", "[1,x]", "["} {
		if _, err := decodeVector(in); err == nil {
			t.Errorf("decodeVector(%q): expected error", in)
		}
	}
}

func TestDecodeVector_Whitespace(t *testing.T) {
	t.Parallel()

	got, err := decodeVector(" [1, 2 ,3] ")
	if err != nil {
		t.Fatalf("decodeVector: %v", err)
	}
	if !slices.Equal(got, []float32{1, 2, 3}) {
		t.Errorf("got %v, want [1 2 3]", got)
	}
}
