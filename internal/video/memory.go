package video

import (
	"image"
	"sync/atomic"
)

// memoryGovernor bounds the engine's frame footprint two ways: depthFor
// caps how many decoded frames may be in flight at once, and pressured
// reports when the frames actually buffered approach the budget so the
// sampler can raise the skip rate instead of failing.
type memoryGovernor struct {
	budgetBytes int64
	maxDepth    int

	inflight atomic.Int64
}

// newMemoryGovernor derives the working budget from the configured
// memory size and the fraction of it buffered frames may occupy.
func newMemoryGovernor(budgetMB int, fraction float64, queueDepth int) *memoryGovernor {
	if budgetMB <= 0 {
		budgetMB = 512
	}
	if fraction <= 0 || fraction > 1 {
		fraction = 0.8
	}
	if queueDepth <= 0 {
		queueDepth = 16
	}
	return &memoryGovernor{
		budgetBytes: int64(float64(budgetMB) * fraction * float64(1<<20)),
		maxDepth:    queueDepth,
	}
}

func frameBytes(bounds image.Rectangle) int64 {
	return int64(bounds.Dx()) * int64(bounds.Dy()) * 4
}

// depthFor returns the in-flight frame limit for frames of the given
// dimensions: the configured queue depth, shed down to what fits the
// memory budget, never below one.
func (g *memoryGovernor) depthFor(bounds image.Rectangle) int {
	cost := frameBytes(bounds)
	if cost <= 0 {
		return g.maxDepth
	}
	depth := int(g.budgetBytes / cost)
	if depth > g.maxDepth {
		depth = g.maxDepth
	}
	if depth < 1 {
		depth = 1
	}
	return depth
}

// acquire and release track decoded frames entering and leaving the
// pipeline.
func (g *memoryGovernor) acquire(bounds image.Rectangle) { g.inflight.Add(frameBytes(bounds)) }

func (g *memoryGovernor) release(bounds image.Rectangle) { g.inflight.Add(-frameBytes(bounds)) }

// pressured reports whether buffered frames have reached the budget.
func (g *memoryGovernor) pressured() bool { return g.inflight.Load() >= g.budgetBytes }
