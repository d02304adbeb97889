package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates readable, ordered operation ids for tests.
//
// The same scenario with the same prefix produces identical ids, which keeps
// golden traces and derived aggregate keys stable.
//
// Thread-safety: SequentialIDs is safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator yielding "<prefix>-0001", "<prefix>-0002", ...
//
// If prefix is empty, "op" is used.
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "op"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next id.
//
// Implements engine.IDGenerator interface.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}
