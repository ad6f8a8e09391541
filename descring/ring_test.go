package descring

import (
	"fmt"
	"testing"
	"unsafe"

	"github.com/slackhq/dmabench/cachesync"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flatMemory is physical memory starting at base.
type flatMemory struct {
	base uint64
	b    []byte
}

func (f *flatMemory) span(addr uint64, n int) ([]byte, error) {
	if addr < f.base || addr-f.base+uint64(n) > uint64(len(f.b)) {
		return nil, fmt.Errorf("0x%x+%d out of range", addr, n)
	}
	off := addr - f.base
	return f.b[off : off+uint64(n)], nil
}

func (f *flatMemory) ReadAt(p []byte, addr uint64) error {
	s, err := f.span(addr, len(p))
	if err != nil {
		return err
	}
	copy(p, s)
	return nil
}

func (f *flatMemory) WriteAt(p []byte, addr uint64) error {
	s, err := f.span(addr, len(p))
	if err != nil {
		return err
	}
	copy(s, p)
	return nil
}

type opLog struct {
	flushed     [][2]uint64
	invalidated [][2]uint64
}

func (o *opLog) Flush(addr uint64, size int) {
	o.flushed = append(o.flushed, [2]uint64{addr, uint64(size)})
}

func (o *opLog) Invalidate(addr uint64, size int) {
	o.invalidated = append(o.invalidated, [2]uint64{addr, uint64(size)})
}

func (o *opLog) Barrier() {}

func newRing(t *testing.T, count int) (*Ring, *flatMemory, *opLog) {
	mem := &flatMemory{base: 0x0F00_0000, b: make([]byte, 64*DescriptorSize)}
	ops := &opLog{}
	r, err := Setup(mem, cachesync.New(ops, nil), mem.base, count)
	require.NoError(t, err)
	return r, mem, ops
}

func TestDescriptor_Size(t *testing.T) {
	assert.EqualValues(t, DescriptorSize, unsafe.Sizeof(Descriptor{}))
}

func TestDescriptor_Layout(t *testing.T) {
	d := Descriptor{
		Next:    0x1122334455667788,
		Src:     0x0000_0000_1000_0000,
		Dst:     0x0000_0000_1100_0000,
		Control: 0x0C00_1000,
		Status:  StatusComplete | StatusSlvErr,
		App:     [5]uint32{1, 2, 3, 4, 5},
	}

	b := make([]byte, DescriptorSize)
	for i := range b {
		b[i] = 0xEE
	}
	d.MarshalTo(b)

	assert.Equal(t, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, b[0x00:0x08])
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x10}, b[0x08:0x0C])
	assert.Equal(t, []byte{0x00, 0x10, 0x00, 0x0C}, b[0x18:0x1C])
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0xA0}, b[0x1C:0x20])
	assert.Equal(t, []byte{5, 0, 0, 0}, b[0x30:0x34])
	assert.Equal(t, make([]byte, 12), b[0x34:], "reserved tail is zeroed")

	got := Unmarshal(b)
	assert.Equal(t, d, got)
	assert.True(t, got.Complete())
	assert.Equal(t, StatusSlvErr, got.Errors())
}

func TestSetup_RingInvariant(t *testing.T) {
	for _, count := range []int{1, 2, 3, 16, 64} {
		t.Run(fmt.Sprintf("count %d", count), func(t *testing.T) {
			r, mem, ops := newRing(t, count)
			assert.Equal(t, 0, r.Head())
			assert.Equal(t, 0, r.Tail())
			assert.Equal(t, count, r.Len())

			for i := 0; i < count; i++ {
				d := Unmarshal(mem.b[i*DescriptorSize:])
				want, err := r.Addr((i + 1) % count)
				require.NoError(t, err)
				assert.Equal(t, want, d.Next, "slot %d", i)
				assert.Zero(t, d.Control)
				assert.Zero(t, d.Status)
			}

			assert.Equal(t, [][2]uint64{{mem.base, uint64(count * DescriptorSize)}}, ops.flushed,
				"the whole ring is flushed once after setup")
		})
	}
}

func TestSetup_Invalid(t *testing.T) {
	mem := &flatMemory{base: 0, b: make([]byte, 4*DescriptorSize)}
	for i := range mem.b {
		mem.b[i] = 0xAB
	}
	s := cachesync.New(&opLog{}, nil)

	tests := []struct {
		name  string
		mem   *flatMemory
		sync  *cachesync.Sync
		base  uint64
		count int
	}{
		{name: "zero count", mem: mem, sync: s, base: 0, count: 0},
		{name: "negative count", mem: mem, sync: s, base: 0, count: -1},
		{name: "too large", mem: mem, sync: s, base: 0, count: MaxDescriptors + 1},
		{name: "misaligned", mem: mem, sync: s, base: 32, count: 2},
		{name: "no memory", mem: nil, sync: s, base: 0, count: 2},
		{name: "no sync", mem: mem, sync: nil, base: 0, count: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.mem == nil {
				_, err = Setup(nil, tt.sync, tt.base, tt.count)
			} else {
				_, err = Setup(tt.mem, tt.sync, tt.base, tt.count)
			}
			assert.ErrorIs(t, err, dmaerr.ErrInvalidParam)
		})
	}

	for i, b := range mem.b {
		require.Equal(t, byte(0xAB), b, "byte %d was written by a failed setup", i)
	}
}

func TestRing_Post(t *testing.T) {
	r, mem, ops := newRing(t, 3)
	ops.flushed = nil

	var addrs []uint64
	for i := 0; i < 4; i++ {
		addr, err := r.Post(Descriptor{Next: 0xdead, Src: uint64(0x1000 * (i + 1)), Control: 64, Status: 0xffff})
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}

	assert.Equal(t, []uint64{mem.base, mem.base + 64, mem.base + 128, mem.base}, addrs, "head wraps modulo the ring size")
	assert.Equal(t, 1, r.Head())

	// Post never breaks the link and clears the status
	d, err := r.Read(0)
	require.NoError(t, err)
	assert.Equal(t, mem.base+64, d.Next)
	assert.Equal(t, uint64(0x4000), d.Src)
	assert.Zero(t, d.Status)

	assert.Len(t, ops.flushed, 4)
	assert.Equal(t, [2]uint64{mem.base + 128, DescriptorSize}, ops.flushed[2])
	assert.Equal(t, [2]uint64{mem.base, DescriptorSize}, ops.invalidated[0], "reads invalidate the slot first")
}

func TestRing_Reclaim(t *testing.T) {
	r, mem, _ := newRing(t, 4)
	for i := 0; i < 3; i++ {
		_, err := r.Post(Descriptor{Src: 0x1000, Control: 64})
		require.NoError(t, err)
	}

	// engine retires the first two
	for i := 0; i < 2; i++ {
		d := Unmarshal(mem.b[i*DescriptorSize:])
		d.Status = StatusComplete | 64
		d.MarshalTo(mem.b[i*DescriptorSize:])
	}

	n, err := r.Reclaim()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, r.Tail())

	n, err = r.Reclaim()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRing_Reinit(t *testing.T) {
	r, mem, _ := newRing(t, 2)
	_, err := r.Post(Descriptor{Src: 0x1000, Control: 64})
	require.NoError(t, err)

	require.NoError(t, r.Reinit())
	assert.Equal(t, 0, r.Head())
	assert.Zero(t, Unmarshal(mem.b).Src)
	assert.Equal(t, mem.base+64, Unmarshal(mem.b).Next)

	_, err = r.Addr(2)
	assert.ErrorIs(t, err, dmaerr.ErrInvalidParam)
	_, err = r.Read(-1)
	assert.ErrorIs(t, err, dmaerr.ErrInvalidParam)
}
