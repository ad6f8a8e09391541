package memregion

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/config"
	"github.com/slackhq/dmabench/dmaerr"
)

// Table is the memory region table plus the per region linear allocator.
// TestAddr performs no overlap tracking, callers pick disjoint offsets. AllocAligned only moves forward until
// ResetAllocations rewinds it.
type Table struct {
	l             *logrus.Logger
	allowFallback bool

	m       sync.Mutex
	regions []Region
	offsets []uint64
}

// NewTable validates regions and returns a table over a copy of them.
func NewTable(l *logrus.Logger, regions []Region, allowFallback bool) (*Table, error) {
	rs := make([]Region, len(regions))
	copy(rs, regions)

	for _, r := range rs {
		if err := r.validate(); err != nil {
			return nil, err
		}
	}

	return &Table{
		l:             l,
		allowFallback: allowFallback,
		regions:       rs,
		offsets:       make([]uint64, len(rs)),
	}, nil
}

// NewTableFromConfig builds the table from memory.regions, falling back to DefaultRegions for any region not named in
// the config. memory.allow_fallback controls Place.
func NewTableFromConfig(l *logrus.Logger, c *config.C) (*Table, error) {
	regions := DefaultRegions()

	for i, raw := range c.GetSlice("memory.regions", nil) {
		rm, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: memory.regions[%d] is not a map", dmaerr.ErrInvalidParam, i)
		}

		name := fmt.Sprintf("%v", rm["name"])
		id, err := ParseID(name)
		if err != nil {
			return nil, fmt.Errorf("memory.regions[%d]: %w", i, err)
		}

		r := regions[id]
		for _, f := range []struct {
			key string
			dst *uint64
		}{
			{"base", &r.Base},
			{"size", &r.Size},
			{"test_base", &r.TestBase},
			{"test_size", &r.TestSize},
		} {
			v, ok := rm[f.key]
			if !ok {
				continue
			}
			n, err := config.ParseByteSize(fmt.Sprintf("%v", v))
			if err != nil {
				return nil, fmt.Errorf("%w: memory.regions[%d].%s: %v", dmaerr.ErrInvalidParam, i, f.key, err)
			}
			*f.dst = n
		}

		if v, ok := rm["cacheable"]; ok {
			if b, ok := config.AsBool(v); ok {
				r.Cacheable = b
			}
		}

		regions[id] = r
	}

	return NewTable(l, regions, c.GetBool("memory.allow_fallback", false))
}

// Region returns a copy of the region with the given id.
func (t *Table) Region(id ID) (Region, error) {
	if int(id) < 0 || int(id) >= len(t.regions) {
		return Region{}, fmt.Errorf("%w: region id %d", dmaerr.ErrInvalidParam, id)
	}
	return t.regions[id], nil
}

// Regions returns a copy of every region in id order.
func (t *Table) Regions() []Region {
	rs := make([]Region, len(t.regions))
	copy(rs, t.regions)
	return rs
}

func (t *Table) allocatable(id ID) (Region, error) {
	r, err := t.Region(id)
	if err != nil {
		return r, err
	}
	if !r.Allocatable || r.TestSize == 0 {
		return r, fmt.Errorf("%w: region %s has no test window", dmaerr.ErrInvalidParam, r.Name)
	}
	return r, nil
}

// TestAddr returns the address offset bytes into the test window of region id. The range must fit in the window.
func (t *Table) TestAddr(id ID, offset, size uint64) (uint64, error) {
	r, err := t.allocatable(id)
	if err != nil {
		return 0, err
	}

	if offset+size < offset || offset+size > r.TestSize {
		return 0, fmt.Errorf("%w: 0x%x bytes at offset 0x%x do not fit the %s test window of 0x%x bytes",
			dmaerr.ErrNoMemory, size, offset, r.Name, r.TestSize)
	}

	return r.TestBase + offset, nil
}

// AllocAligned hands out the next size bytes of the test window of region id, aligned to align which must be a power
// of two. There is no free, use ResetAllocations.
func (t *Table) AllocAligned(id ID, size, align uint64) (uint64, error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("%w: alignment %d is not a power of 2", dmaerr.ErrInvalidParam, align)
	}

	r, err := t.allocatable(id)
	if err != nil {
		return 0, err
	}

	t.m.Lock()
	defer t.m.Unlock()

	base := r.TestBase + t.offsets[id]
	addr := (base + align - 1) &^ (align - 1)
	end := addr - r.TestBase + size
	if end > r.TestSize || end < size {
		t.l.WithField("region", r.Name).WithField("size", size).Warn("Allocation failed")
		return 0, fmt.Errorf("%w: region %s cannot hold 0x%x more bytes", dmaerr.ErrNoMemory, r.Name, size)
	}

	t.offsets[id] = end
	return addr, nil
}

// ResetAllocations rewinds the linear allocator of region id.
func (t *Table) ResetAllocations(id ID) {
	t.m.Lock()
	defer t.m.Unlock()
	if int(id) >= 0 && int(id) < len(t.offsets) {
		t.offsets[id] = 0
	}
}

// ValidRange reports whether [addr, addr+size) is inside the test window of region id.
func (t *Table) ValidRange(id ID, addr, size uint64) bool {
	r, err := t.allocatable(id)
	if err != nil {
		return false
	}
	if addr < r.TestBase || addr+size < addr {
		return false
	}
	return addr+size <= r.TestBase+r.TestSize
}

// Find returns the region containing [addr, addr+size).
func (t *Table) Find(addr, size uint64) (ID, bool) {
	for i, r := range t.regions {
		if r.Size > 0 && r.Contains(addr, size) {
			return ID(i), true
		}
	}
	return 0, false
}

// Cacheable reports whether the range lives in a cacheable region. Unknown ranges are treated as cacheable so they
// still receive maintenance.
func (t *Table) Cacheable(addr, size uint64) bool {
	id, ok := t.Find(addr, size)
	if !ok {
		return true
	}
	return t.regions[id].Cacheable
}

// Placement is where Place put a buffer.
type Placement struct {
	Region   ID
	Addr     uint64
	FellBack bool
}

// Place puts size bytes at offset in the preferred region. When that does not fit and memory.allow_fallback is set,
// the buffer goes to fallbackOffset in the fallback region instead and the substitution is logged. Without the
// setting the error from the preferred region is returned.
func (t *Table) Place(preferred ID, offset uint64, fallback ID, fallbackOffset, size uint64) (Placement, error) {
	addr, err := t.TestAddr(preferred, offset, size)
	if err == nil {
		return Placement{Region: preferred, Addr: addr}, nil
	}

	pr, _ := t.Region(preferred)
	fr, ferr := t.Region(fallback)
	if ferr != nil {
		return Placement{}, ferr
	}

	if !t.allowFallback {
		return Placement{}, fmt.Errorf("%s placement failed and memory.allow_fallback is disabled: %w", pr.Name, err)
	}

	addr, ferr = t.TestAddr(fallback, fallbackOffset, size)
	if ferr != nil {
		return Placement{}, ferr
	}

	t.l.WithField("preferred", pr.Name).
		WithField("fallback", fr.Name).
		WithField("size", size).
		WithError(err).
		Warn("Buffer placed in fallback region")

	return Placement{Region: fallback, Addr: addr, FellBack: true}, nil
}
