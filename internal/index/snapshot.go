package index

import (
	"context"
	"sync/atomic"
)

// Snapshot holds the catalog a long-running process serves from memory.
// Readers never touch the cache on disk; Swap publishes a regenerated index.
type Snapshot struct {
	current atomic.Pointer[Index]
}

// NewSnapshot creates a Snapshot serving idx. A nil idx serves an empty catalog.
func NewSnapshot(idx *Index) *Snapshot {
	s := &Snapshot{}
	s.Swap(idx)
	return s
}

// Index returns the index currently served
func (s *Snapshot) Index(ctx context.Context) (*Index, error) {
	return s.current.Load(), nil
}

// Swap replaces the served index
func (s *Snapshot) Swap(idx *Index) {
	if idx == nil {
		idx = New(nil)
	}
	s.current.Store(idx)
}
