package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequentialIDs_Ordered(t *testing.T) {
	gen := NewSequentialIDs("op")

	assert.Equal(t, "op-0001", gen.Generate())
	assert.Equal(t, "op-0002", gen.Generate())
	assert.Equal(t, "op-0003", gen.Generate())
}

func TestSequentialIDs_DefaultPrefix(t *testing.T) {
	gen := NewSequentialIDs("")
	assert.Equal(t, "op-0001", gen.Generate())
}

func TestSequentialIDs_SameSequenceAcrossInstances(t *testing.T) {
	a := NewSequentialIDs("scn")
	b := NewSequentialIDs("scn")
	for i := 0; i < 5; i++ {
		assert.Equal(t, a.Generate(), b.Generate())
	}
}

func TestSequentialIDs_UniqueUnderConcurrency(t *testing.T) {
	gen := NewSequentialIDs("c")
	const n = 200

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]bool, n)
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			id := gen.Generate()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
}
