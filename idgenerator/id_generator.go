// Package idgenerator hands out session identifiers.
package idgenerator

import "sync/atomic"

// IdGenerator generates monotonically increasing uint64 IDs in a
// concurrency-safe manner. The first Next returns the start value plus one,
// so an IdGenerator created with 0 never hands out 0, which callers may use
// to mean "no id".
type IdGenerator struct {
	id atomic.Uint64
}

// NewIdGenerator creates an IdGenerator whose first ID is startValue+1.
//
// Parameters:
//   - startValue: The value to initialize the counter to
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint64) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Next returns the next ID. It is safe for concurrent use.
func (g *IdGenerator) Next() uint64 {
	return g.id.Add(1)
}

// Last returns the most recently issued ID, or the start value if none has
// been issued yet.
func (g *IdGenerator) Last() uint64 {
	return g.id.Load()
}
