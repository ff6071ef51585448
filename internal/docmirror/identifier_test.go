package docmirror

import (
	"errors"
	"testing"
)

func TestNormalizeStripsStoragePrefix(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"note-123", "note-123"},
		{"ydoc-note-123", "note-123"},
		{"ydoc-ydoc-note-123", "note-123"},
		{"  ydoc-note-123  ", "note-123"},
		{"ydoc- note-123", "note-123"},
	}
	for _, tc := range cases {
		got, err := Normalize(tc.in)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	first, err := Normalize("ydoc-abc")
	if err != nil {
		t.Fatalf("first normalize: %v", err)
	}
	second, err := Normalize(first)
	if err != nil {
		t.Fatalf("second normalize: %v", err)
	}
	if first != second {
		t.Fatalf("normalize not idempotent: %q then %q", first, second)
	}
}

func TestNormalizeRejectsEmpty(t *testing.T) {
	for _, in := range []string{"", "   ", "ydoc-", "ydoc-ydoc-", " ydoc- "} {
		if _, err := Normalize(in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Normalize(%q) = %v, want ErrInvalidInput", in, err)
		}
	}
}
