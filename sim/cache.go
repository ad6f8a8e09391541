package sim

import (
	"sync"
	"sync/atomic"

	"github.com/slackhq/dmabench/cachesync"
)

// LineSize is the cache line size of the modelled CPU.
const LineSize = 64

type line struct {
	data  [LineSize]byte
	dirty bool
}

// Cache is a write-back, write-allocate data cache in front of Memory. It is the CPU view of memory and the cache
// maintenance collaborator at the same time, so a missing flush or invalidate shows up as stale data exactly as it
// would on hardware. Lines are never evicted on their own, see Evict.
type Cache struct {
	mem *Memory
	c   cachesync.Cacheability

	m     sync.Mutex
	lines map[uint64]*line

	barriers atomic.Uint64
}

// NewCache returns an empty cache. Ranges c reports as not cacheable bypass it. c may be nil.
func NewCache(mem *Memory, c cachesync.Cacheability) *Cache {
	return &Cache{mem: mem, c: c, lines: make(map[uint64]*line)}
}

func (c *Cache) cacheable(addr uint64, n int) bool {
	return c.c == nil || c.c.Cacheable(addr, uint64(n))
}

// fill returns the line at tag, reading it from memory on a miss. Callers hold c.m.
func (c *Cache) fill(tag uint64) (*line, error) {
	if l := c.lines[tag]; l != nil {
		return l, nil
	}
	l := &line{}
	if err := c.mem.ReadAt(l.data[:], tag); err != nil {
		return nil, err
	}
	c.lines[tag] = l
	return l, nil
}

func (c *Cache) ReadAt(p []byte, addr uint64) error {
	if !c.cacheable(addr, len(p)) {
		return c.mem.ReadAt(p, addr)
	}
	if err := c.mem.check(addr, len(p)); err != nil || len(p) == 0 {
		return err
	}

	c.m.Lock()
	defer c.m.Unlock()
	for off := 0; off < len(p); {
		a := addr + uint64(off)
		lo := int(a % LineSize)
		n := min(LineSize-lo, len(p)-off)
		l, err := c.fill(a - uint64(lo))
		if err != nil {
			return err
		}
		copy(p[off:off+n], l.data[lo:lo+n])
		off += n
	}
	return nil
}

func (c *Cache) WriteAt(p []byte, addr uint64) error {
	if !c.cacheable(addr, len(p)) {
		return c.mem.WriteAt(p, addr)
	}
	if err := c.mem.check(addr, len(p)); err != nil || len(p) == 0 {
		return err
	}

	c.m.Lock()
	defer c.m.Unlock()
	for off := 0; off < len(p); {
		a := addr + uint64(off)
		lo := int(a % LineSize)
		n := min(LineSize-lo, len(p)-off)
		l, err := c.fill(a - uint64(lo))
		if err != nil {
			return err
		}
		copy(l.data[lo:lo+n], p[off:off+n])
		l.dirty = true
		off += n
	}
	return nil
}

// each calls f for every cached line overlapping [addr, addr+size). Callers hold c.m.
func (c *Cache) each(addr uint64, size int, f func(tag uint64, l *line)) {
	if size <= 0 {
		return
	}
	first := addr &^ (LineSize - 1)
	end := addr + uint64(size)
	span := (end - first + LineSize - 1) / LineSize

	if uint64(len(c.lines)) < span {
		for tag, l := range c.lines {
			if tag >= first && tag < end {
				f(tag, l)
			}
		}
		return
	}

	for tag := first; tag < end; tag += LineSize {
		if l := c.lines[tag]; l != nil {
			f(tag, l)
		}
	}
}

// Flush writes back dirty lines of the range. Lines stay cached and clean.
func (c *Cache) Flush(addr uint64, size int) {
	c.m.Lock()
	defer c.m.Unlock()
	c.each(addr, size, func(tag uint64, l *line) {
		if l.dirty {
			// the line was filled from a backed address so the write back cannot fail
			_ = c.mem.WriteAt(l.data[:], tag)
			l.dirty = false
		}
	})
}

// Invalidate drops the lines of the range, dirty data included.
func (c *Cache) Invalidate(addr uint64, size int) {
	c.m.Lock()
	defer c.m.Unlock()
	c.each(addr, size, func(tag uint64, _ *line) {
		delete(c.lines, tag)
	})
}

func (c *Cache) Barrier() {
	c.barriers.Add(1)
}

// Barriers returns how many barriers were issued.
func (c *Cache) Barriers() uint64 {
	return c.barriers.Load()
}

// Touch loads the lines of the range without changing them, like a speculative load or a prefetch.
func (c *Cache) Touch(addr uint64, size int) error {
	if !c.cacheable(addr, size) || size <= 0 {
		return nil
	}
	if err := c.mem.check(addr, size); err != nil {
		return err
	}

	c.m.Lock()
	defer c.m.Unlock()
	for tag := addr &^ (LineSize - 1); tag < addr+uint64(size); tag += LineSize {
		if _, err := c.fill(tag); err != nil {
			return err
		}
	}
	return nil
}

// Evict writes back and drops the lines of the range, as capacity pressure would.
func (c *Cache) Evict(addr uint64, size int) {
	c.m.Lock()
	defer c.m.Unlock()
	c.each(addr, size, func(tag uint64, l *line) {
		if l.dirty {
			_ = c.mem.WriteAt(l.data[:], tag)
		}
		delete(c.lines, tag)
	})
}

// Dirty reports whether any line of the range holds data not yet written back.
func (c *Cache) Dirty(addr uint64, size int) bool {
	c.m.Lock()
	defer c.m.Unlock()
	dirty := false
	c.each(addr, size, func(_ uint64, l *line) {
		dirty = dirty || l.dirty
	})
	return dirty
}

// Lines returns the number of cached lines.
func (c *Cache) Lines() int {
	c.m.Lock()
	defer c.m.Unlock()
	return len(c.lines)
}
