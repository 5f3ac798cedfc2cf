package id

import (
	"testing"

	"github.com/google/uuid"
)

func TestUUIDGeneratorProducesParseableUniqueIDs(t *testing.T) {
	g := NewUUIDGenerator()
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		v := g.NewID()
		if _, err := uuid.Parse(v); err != nil {
			t.Fatalf("NewID() = %q: %v", v, err)
		}
		if _, dup := seen[v]; dup {
			t.Fatalf("duplicate id %q", v)
		}
		seen[v] = struct{}{}
	}
}

func TestSequence(t *testing.T) {
	s := NewSequence("ord")
	if got := s.NewID(); got != "ord-1" {
		t.Fatalf("first = %q", got)
	}
	if got := s.NewID(); got != "ord-2" {
		t.Fatalf("second = %q", got)
	}
}
