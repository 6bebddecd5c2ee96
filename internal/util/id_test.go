package util

import (
	"strings"
	"testing"
)

func TestNewIDPrefixAndUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID("qa")
		if !strings.HasPrefix(id, "qa_") {
			t.Fatalf("NewID() = %q, want qa_ prefix", id)
		}
		if len(id) != len("qa_")+32 {
			t.Fatalf("NewID() = %q, unexpected length %d", id, len(id))
		}
		if seen[id] {
			t.Fatalf("NewID() returned duplicate %q", id)
		}
		seen[id] = true
	}
	if got := NewID(""); strings.Contains(got, "_") {
		t.Fatalf("NewID(\"\") = %q, want no prefix", got)
	}
}
