package id

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewIsValidUUID(t *testing.T) {
	value := New()
	if _, err := uuid.Parse(value); err != nil {
		t.Fatalf("parse id %q: %v", value, err)
	}
}

func TestNewIsUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		value := New()
		if seen[value] {
			t.Fatalf("duplicate id %q", value)
		}
		seen[value] = true
	}
}

func TestNewPrefixed(t *testing.T) {
	value := NewPrefixed("anon")
	if !strings.HasPrefix(value, "anon_") {
		t.Fatalf("id = %q, want anon_ prefix", value)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(value, "anon_")); err != nil {
		t.Fatalf("parse id suffix: %v", err)
	}
	if NewPrefixed("") == "" {
		t.Fatal("expected non-empty id for empty prefix")
	}
}
