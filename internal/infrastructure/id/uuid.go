package id

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// UUIDGenerator hands out random (v4) identifiers for orders, events and
// webhook deliveries.
type UUIDGenerator struct{}

func NewUUIDGenerator() UUIDGenerator { return UUIDGenerator{} }

func (UUIDGenerator) NewID() string { return uuid.NewString() }

// Sequence is a deterministic generator for tests: prefix-1, prefix-2, ...
type Sequence struct {
	prefix string
	n      atomic.Int64
}

func NewSequence(prefix string) *Sequence { return &Sequence{prefix: prefix} }

func (s *Sequence) NewID() string {
	return s.prefix + "-" + strconv.FormatInt(s.n.Add(1), 10)
}
