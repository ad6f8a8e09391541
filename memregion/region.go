// Package memregion describes the memory regions available to the benchmark, hands out test addresses inside
// their test windows and defines the CPU view of physical memory.
package memregion

import (
	"fmt"
	"strings"

	"github.com/slackhq/dmabench/dmaerr"
)

// ID indexes a region in a Table.
type ID int

const (
	DDR4 ID = iota
	OCM
	BRAM
	Host
	Descriptors
)

// Region is one physically contiguous memory range. The test window is the sub range benchmark buffers are placed
// in, both by TestAddr and by the linear allocator.
type Region struct {
	Name      string
	Base      uint64
	Size      uint64
	TestBase  uint64
	TestSize  uint64
	Cacheable bool
	// Allocatable is false for regions that are described but cannot hold buffers from this side, like host memory
	// behind PCIe.
	Allocatable bool
}

// End returns the first address after the region.
func (r Region) End() uint64 {
	return r.Base + r.Size
}

// Contains reports whether [addr, addr+size) lies in the region.
func (r Region) Contains(addr, size uint64) bool {
	return addr >= r.Base && addr+size >= addr && addr+size <= r.End()
}

func (r Region) validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: region has no name", dmaerr.ErrInvalidParam)
	}
	if r.Base+r.Size < r.Base {
		return fmt.Errorf("%w: region %s overflows the address space", dmaerr.ErrInvalidParam, r.Name)
	}
	if r.TestSize > 0 && !r.Contains(r.TestBase, r.TestSize) {
		return fmt.Errorf("%w: test window of %s [0x%x, 0x%x) is outside the region [0x%x, 0x%x)",
			dmaerr.ErrInvalidParam, r.Name, r.TestBase, r.TestBase+r.TestSize, r.Base, r.End())
	}
	return nil
}

func (r Region) String() string {
	return fmt.Sprintf("%s[0x%x+0x%x test 0x%x+0x%x cacheable=%v]", r.Name, r.Base, r.Size, r.TestBase, r.TestSize, r.Cacheable)
}

// DefaultRegions returns the memory map of the reference board: PS DDR4, on chip memory, PL block RAM, the PCIe host
// window and a small DDR carve out holding descriptor rings.
func DefaultRegions() []Region {
	return []Region{
		DDR4: {
			Name: "DDR4", Base: 0x0000_0000, Size: 0x8000_0000,
			TestBase: 0x1000_0000, TestSize: 0x1000_0000,
			Cacheable: true, Allocatable: true,
		},
		OCM: {
			Name: "OCM", Base: 0xFFFC_0000, Size: 0x4_0000,
			TestBase: 0xFFFC_0000, TestSize: 0x4_0000,
			Cacheable: true, Allocatable: true,
		},
		BRAM: {
			Name: "BRAM", Base: 0xB000_0000, Size: 0x4_0000,
			TestBase: 0xB000_0000, TestSize: 0x4_0000,
			Cacheable: false, Allocatable: true,
		},
		Host: {
			Name: "HOST", Base: 0, Size: 0,
			Cacheable: false, Allocatable: false,
		},
		Descriptors: {
			Name: "DESCRIPTORS", Base: 0x0F00_0000, Size: 0x10_0000,
			TestBase: 0x0F00_0000, TestSize: 0x10_0000,
			Cacheable: true, Allocatable: true,
		},
	}
}

// ParseID maps a region name to the ID of the default layout. Names are case insensitive.
func ParseID(name string) (ID, error) {
	for i, r := range DefaultRegions() {
		if strings.EqualFold(r.Name, name) {
			return ID(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown memory region %q", dmaerr.ErrInvalidParam, name)
}
