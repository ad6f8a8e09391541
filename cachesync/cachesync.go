// Package cachesync wraps the platform cache maintenance primitives into the operations needed around a DMA
// transfer on a target where engines are not cache coherent with the CPU.
package cachesync

import (
	"github.com/rcrowley/go-metrics"
)

// Maintainer is the platform cache maintenance collaborator.
type Maintainer interface {
	// Flush writes back dirty lines covering [addr, addr+size) so the engine reads current data.
	Flush(addr uint64, size int)
	// Invalidate discards lines covering [addr, addr+size) so the CPU rereads memory.
	Invalidate(addr uint64, size int)
	// Barrier orders all prior memory and register accesses before any later one.
	Barrier()
}

// Cacheability reports whether a range is mapped cacheable. Ranges that are not skip flush and invalidate.
type Cacheability interface {
	Cacheable(addr, size uint64) bool
}

// Sync performs the named maintenance steps of a transfer.
type Sync struct {
	m     Maintainer
	c     Cacheability
	flush metrics.Counter
	inval metrics.Counter
	skip  metrics.Counter
}

// New returns a Sync over m. c may be nil, in which case every range is treated as cacheable.
func New(m Maintainer, c Cacheability) *Sync {
	return &Sync{
		m:     m,
		c:     c,
		flush: metrics.GetOrRegisterCounter("cache.flush", nil),
		inval: metrics.GetOrRegisterCounter("cache.invalidate", nil),
		skip:  metrics.GetOrRegisterCounter("cache.skipped", nil),
	}
}

func (s *Sync) cacheable(addr uint64, size int) bool {
	if size <= 0 {
		return false
	}
	if s.c != nil && !s.c.Cacheable(addr, uint64(size)) {
		s.skip.Inc(1)
		return false
	}
	return true
}

// Flush writes back the range without a trailing barrier. Used for descriptor slots that are followed by more setup.
func (s *Sync) Flush(addr uint64, size int) {
	if s.cacheable(addr, size) {
		s.flush.Inc(1)
		s.m.Flush(addr, size)
	}
}

// Invalidate discards the range without a barrier.
func (s *Sync) Invalidate(addr uint64, size int) {
	if s.cacheable(addr, size) {
		s.inval.Inc(1)
		s.m.Invalidate(addr, size)
	}
}

// Barrier forwards to the platform barrier.
func (s *Sync) Barrier() {
	s.m.Barrier()
}

// PrepareSource flushes a buffer the engine is about to read.
func (s *Sync) PrepareSource(addr uint64, size int) {
	s.Flush(addr, size)
	s.m.Barrier()
}

// PrepareDestination invalidates a buffer the engine is about to write, so no dirty line can later be evicted over
// the DMA data.
func (s *Sync) PrepareDestination(addr uint64, size int) {
	s.Invalidate(addr, size)
	s.m.Barrier()
}

// CompleteDestination invalidates a buffer the engine has written, dropping anything the CPU speculatively loaded
// while the transfer ran.
func (s *Sync) CompleteDestination(addr uint64, size int) {
	s.m.Barrier()
	s.Invalidate(addr, size)
}

// FlushInvalidate writes back and then discards the range.
func (s *Sync) FlushInvalidate(addr uint64, size int) {
	s.Flush(addr, size)
	s.Invalidate(addr, size)
	s.m.Barrier()
}

// Uncached is the Maintainer for mappings that bypass the data cache, such as /dev/mem opened with O_SYNC. Only the
// barrier has an effect.
type Uncached struct{}

func (Uncached) Flush(uint64, int)      {}
func (Uncached) Invalidate(uint64, int) {}
func (Uncached) Barrier()               { barrier() }
