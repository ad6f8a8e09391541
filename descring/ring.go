// Package descring manages circular rings of scatter/gather descriptors living in DMA visible memory. Each slot links
// to the next one so an engine can walk the ring on its own. A ring is owned by exactly one channel direction.
package descring

import (
	"fmt"

	"github.com/slackhq/dmabench/cachesync"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/memregion"
)

// MaxDescriptors bounds the size of a ring.
const MaxDescriptors = 1 << 12

// CheckRingSize returns an [dmaerr.ErrInvalidParam] if count is not a usable ring size.
func CheckRingSize(count int) error {
	if count <= 0 {
		return fmt.Errorf("%w: ring size %d is too small", dmaerr.ErrInvalidParam, count)
	}

	if count > MaxDescriptors {
		return fmt.Errorf("%w: ring size %d is larger than the maximum %d", dmaerr.ErrInvalidParam, count, MaxDescriptors)
	}

	return nil
}

// Ring is a fixed capacity arena of descriptors indexed by a wrapping head. Head is the next slot to post into, tail
// is advanced by Reclaim for bookkeeping only; posting never checks it.
type Ring struct {
	mem   memregion.Memory
	sync  *cachesync.Sync
	base  uint64
	count int
	head  int
	tail  int
}

// Setup zero fills count descriptors at base, links slot i to slot (i+1) mod count, flushes the ring and returns it
// with head and tail at 0. All arguments are validated before memory is touched.
func Setup(mem memregion.Memory, s *cachesync.Sync, base uint64, count int) (*Ring, error) {
	if mem == nil || s == nil {
		return nil, fmt.Errorf("%w: ring needs memory and cache maintenance", dmaerr.ErrInvalidParam)
	}

	if err := CheckRingSize(count); err != nil {
		return nil, err
	}

	if base%DescriptorSize != 0 {
		return nil, fmt.Errorf("%w: ring base 0x%x is not %d byte aligned", dmaerr.ErrInvalidParam, base, DescriptorSize)
	}

	if base+uint64(count*DescriptorSize) < base {
		return nil, fmt.Errorf("%w: ring at 0x%x overflows the address space", dmaerr.ErrInvalidParam, base)
	}

	r := &Ring{mem: mem, sync: s, base: base, count: count}
	if err := r.Reinit(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reinit rewrites every slot and resets head and tail, as a channel reset does.
func (r *Ring) Reinit() error {
	buf := make([]byte, r.count*DescriptorSize)
	for i := 0; i < r.count; i++ {
		d := Descriptor{Next: r.slotAddr((i + 1) % r.count)}
		d.MarshalTo(buf[i*DescriptorSize:])
	}

	if err := r.mem.WriteAt(buf, r.base); err != nil {
		return fmt.Errorf("writing descriptor ring at 0x%x: %w", r.base, err)
	}

	r.sync.PrepareSource(r.base, len(buf))
	r.head = 0
	r.tail = 0
	return nil
}

func (r *Ring) slotAddr(i int) uint64 {
	return r.base + uint64(i*DescriptorSize)
}

func (r *Ring) check(i int) error {
	if i < 0 || i >= r.count {
		return fmt.Errorf("%w: slot %d outside ring of %d", dmaerr.ErrInvalidParam, i, r.count)
	}
	return nil
}

// Addr returns the address of slot i.
func (r *Ring) Addr(i int) (uint64, error) {
	if err := r.check(i); err != nil {
		return 0, err
	}
	return r.slotAddr(i), nil
}

// Post writes d into the head slot, keeping the slot's link, flushes the slot and advances head. It returns the slot
// address, which is what the current and tail descriptor registers are loaded with.
func (r *Ring) Post(d Descriptor) (uint64, error) {
	addr := r.slotAddr(r.head)
	d.Next = r.slotAddr((r.head + 1) % r.count)
	d.Status = 0

	var b [DescriptorSize]byte
	d.MarshalTo(b[:])
	if err := r.mem.WriteAt(b[:], addr); err != nil {
		return 0, fmt.Errorf("posting descriptor %d at 0x%x: %w", r.head, addr, err)
	}

	r.sync.Flush(addr, DescriptorSize)
	r.head = (r.head + 1) % r.count
	return addr, nil
}

// Read returns slot i as the engine last wrote it. The slot is invalidated first so a status written by the engine
// is visible.
func (r *Ring) Read(i int) (Descriptor, error) {
	if err := r.check(i); err != nil {
		return Descriptor{}, err
	}

	addr := r.slotAddr(i)
	r.sync.Invalidate(addr, DescriptorSize)

	var b [DescriptorSize]byte
	if err := r.mem.ReadAt(b[:], addr); err != nil {
		return Descriptor{}, fmt.Errorf("reading descriptor %d at 0x%x: %w", i, addr, err)
	}
	return Unmarshal(b[:]), nil
}

// Reclaim advances tail over completed descriptors and returns how many were passed.
func (r *Ring) Reclaim() (int, error) {
	n := 0
	for r.tail != r.head {
		d, err := r.Read(r.tail)
		if err != nil {
			return n, err
		}
		if !d.Complete() {
			break
		}
		r.tail = (r.tail + 1) % r.count
		n++
	}
	return n, nil
}

// Base returns the address of slot 0.
func (r *Ring) Base() uint64 { return r.base }

// Len returns the number of slots.
func (r *Ring) Len() int { return r.count }

// Head returns the next slot Post will write.
func (r *Ring) Head() int { return r.head }

// Tail returns the oldest slot not yet reclaimed.
func (r *Ring) Tail() int { return r.tail }

// Size returns the number of bytes the ring occupies.
func (r *Ring) Size() int { return r.count * DescriptorSize }
