// Package idgenerator hands out process-unique handles for listener
// subscriptions and document sessions.
package idgenerator

import "sync/atomic"

// IdGenerator generates monotonically increasing uint64 IDs in a
// concurrency-safe manner. The zero value is ready to use and its first Id is 1.
type IdGenerator struct {
	id atomic.Uint64
}

// NewIdGenerator creates an IdGenerator whose first Id is startValue+1.
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

// Id returns the next ID. It never returns the same value twice unless the
// counter wraps, which at 64 bits does not happen in practice.
func (g *IdGenerator) Id() uint64 {
	return g.id.Add(1)
}

// Last returns the most recently issued ID without advancing the counter.
func (g *IdGenerator) Last() uint64 {
	return g.id.Load()
}
