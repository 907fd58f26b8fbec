// Package pgindex gives O(1) virtual-address lookup of a process's
// page descriptors, sharded across a fixed number of buckets to limit
// lock contention, each shard a native Go map under its own RWMutex.
// The descriptor table's FIFO order still lives in the process
// package's slice; this index only answers "does va have a
// descriptor, and which one."
package pgindex

import "sync"

const shardCount = 16

type shard struct {
	mu sync.RWMutex
	m  map[uintptr]int // va -> index into the owning slice
}

// Index maps virtual addresses to their slice position in a process's
// descriptor table.
type Index struct {
	shards [shardCount]*shard
}

// New returns an empty Index.
func New() *Index {
	ix := &Index{}
	for i := range ix.shards {
		ix.shards[i] = &shard{m: make(map[uintptr]int)}
	}
	return ix
}

func (ix *Index) shardFor(va uintptr) *shard {
	return ix.shards[(va>>12)%shardCount]
}

// Put records that va lives at slice position idx.
func (ix *Index) Put(va uintptr, idx int) {
	s := ix.shardFor(va)
	s.mu.Lock()
	s.m[va] = idx
	s.mu.Unlock()
}

// Get returns the slice position for va, if tracked.
func (ix *Index) Get(va uintptr) (int, bool) {
	s := ix.shardFor(va)
	s.mu.RLock()
	idx, ok := s.m[va]
	s.mu.RUnlock()
	return idx, ok
}

// Delete forgets va.
func (ix *Index) Delete(va uintptr) {
	s := ix.shardFor(va)
	s.mu.Lock()
	delete(s.m, va)
	s.mu.Unlock()
}

// ShiftDown decrements every recorded index greater than removed,
// keeping the index consistent after the owning slice removes the
// entry at position removed (a clean discard shifts later descriptors
// down by one).
func (ix *Index) ShiftDown(removed int) {
	for _, s := range ix.shards {
		s.mu.Lock()
		for va, idx := range s.m {
			if idx > removed {
				s.m[va] = idx - 1
			}
		}
		s.mu.Unlock()
	}
}
