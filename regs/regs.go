// Package regs is the register map collaborator: 32 bit registers addressed by byte offset from an engine base.
package regs

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/dmaerr"
)

// Registers reads and writes 32 bit device registers.
type Registers interface {
	Read32(off uint32) uint32
	Write32(off uint32, v uint32)
}

type window struct {
	r    Registers
	base uint32
}

// Window returns a view of r where offset 0 is base. Engines use it for TX/RX blocks and per channel blocks.
func Window(r Registers, base uint32) Registers {
	if w, ok := r.(window); ok {
		return window{r: w.r, base: w.base + base}
	}
	return window{r: r, base: base}
}

func (w window) Read32(off uint32) uint32     { return w.r.Read32(w.base + off) }
func (w window) Write32(off uint32, v uint32) { w.r.Write32(w.base+off, v) }

// WriteAddr64 writes the low word of addr at lo and the high word at lo+4.
func WriteAddr64(r Registers, lo uint32, addr uint64) {
	r.Write32(lo, uint32(addr))
	r.Write32(lo+4, uint32(addr>>32))
}

// ArmAddr64 writes the high word of addr at lo+4 and then the low word at lo. Tail descriptor registers start the
// engine on the low word write, so it has to come last.
func ArmAddr64(r Registers, lo uint32, addr uint64) {
	r.Write32(lo+4, uint32(addr>>32))
	r.Write32(lo, uint32(addr))
}

// ReadAddr64 reads a 64 bit address split over lo and lo+4.
func ReadAddr64(r Registers, lo uint32) uint64 {
	return uint64(r.Read32(lo)) | uint64(r.Read32(lo+4))<<32
}

// SetBits performs a read-modify-write setting mask at off.
func SetBits(r Registers, off, mask uint32) {
	r.Write32(off, r.Read32(off)|mask)
}

// ClearBits performs a read-modify-write clearing mask at off.
func ClearBits(r Registers, off, mask uint32) {
	r.Write32(off, r.Read32(off)&^mask)
}

// MMIO accesses registers in a memory mapped device window.
type MMIO struct {
	mem []byte
}

// NewMMIO wraps a mapped register window. The window length must be a multiple of 4.
func NewMMIO(mem []byte) (*MMIO, error) {
	if len(mem) == 0 || len(mem)%4 != 0 {
		return nil, fmt.Errorf("%w: register window of %d bytes is not a multiple of 4", dmaerr.ErrInvalidParam, len(mem))
	}
	if uintptr(unsafe.Pointer(&mem[0]))%4 != 0 {
		return nil, fmt.Errorf("%w: register window is not 4 byte aligned", dmaerr.ErrInvalidParam)
	}
	return &MMIO{mem: mem}, nil
}

func (m *MMIO) word(off uint32) *uint32 {
	if off%4 != 0 || int(off)+4 > len(m.mem) {
		panic(fmt.Sprintf("register offset 0x%x outside the 0x%x byte window", off, len(m.mem)))
	}
	return (*uint32)(unsafe.Pointer(&m.mem[off]))
}

func (m *MMIO) Read32(off uint32) uint32 {
	return atomic.LoadUint32(m.word(off))
}

func (m *MMIO) Write32(off uint32, v uint32) {
	atomic.StoreUint32(m.word(off), v)
}

// Len returns the size of the window in bytes.
func (m *MMIO) Len() int {
	return len(m.mem)
}

// Trace logs every register access at trace level.
type Trace struct {
	R Registers
	L logrus.FieldLogger
}

func (t Trace) Read32(off uint32) uint32 {
	v := t.R.Read32(off)
	t.L.WithField("off", fmt.Sprintf("0x%03x", off)).WithField("val", fmt.Sprintf("0x%08x", v)).Trace("reg read")
	return v
}

func (t Trace) Write32(off uint32, v uint32) {
	t.L.WithField("off", fmt.Sprintf("0x%03x", off)).WithField("val", fmt.Sprintf("0x%08x", v)).Trace("reg write")
	t.R.Write32(off, v)
}
