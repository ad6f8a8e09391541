package descring

import "encoding/binary"

// DescriptorSize is the number of bytes a [Descriptor] occupies in memory. Every slot is also aligned to it.
const DescriptorSize = 64

// Status word bits written by the engine when it retires a descriptor.
const (
	StatusComplete uint32 = 0x8000_0000
	StatusDecErr   uint32 = 0x4000_0000
	StatusSlvErr   uint32 = 0x2000_0000
	StatusIntErr   uint32 = 0x1000_0000
	StatusErrMask         = StatusDecErr | StatusSlvErr | StatusIntErr
)

// Descriptor is one scatter/gather buffer descriptor as the engines fetch it from memory. Streaming engines use Src
// as the buffer address for either direction, the memory to memory engine uses both Src and Dst.
type Descriptor struct {
	// Next is the address of the following slot in the ring.
	Next uint64
	Src  uint64
	Dst  uint64
	// Control holds the transfer length in the engine's length field plus frame flags.
	Control uint32
	// Status is written by the engine.
	Status uint32
	App    [5]uint32
	_      [3]uint32
}

// Complete reports whether the engine has retired the descriptor.
func (d *Descriptor) Complete() bool {
	return d.Status&StatusComplete != 0
}

// Errors returns the error bits of the status word.
func (d *Descriptor) Errors() uint32 {
	return d.Status & StatusErrMask
}

// MarshalTo encodes d little endian into b, which must hold DescriptorSize bytes.
func (d *Descriptor) MarshalTo(b []byte) {
	_ = b[DescriptorSize-1]
	binary.LittleEndian.PutUint64(b[0x00:], d.Next)
	binary.LittleEndian.PutUint64(b[0x08:], d.Src)
	binary.LittleEndian.PutUint64(b[0x10:], d.Dst)
	binary.LittleEndian.PutUint32(b[0x18:], d.Control)
	binary.LittleEndian.PutUint32(b[0x1C:], d.Status)
	for i, a := range d.App {
		binary.LittleEndian.PutUint32(b[0x20+4*i:], a)
	}
	clear(b[0x34:DescriptorSize])
}

// Unmarshal decodes a descriptor from b, which must hold DescriptorSize bytes.
func Unmarshal(b []byte) Descriptor {
	_ = b[DescriptorSize-1]
	d := Descriptor{
		Next:    binary.LittleEndian.Uint64(b[0x00:]),
		Src:     binary.LittleEndian.Uint64(b[0x08:]),
		Dst:     binary.LittleEndian.Uint64(b[0x10:]),
		Control: binary.LittleEndian.Uint32(b[0x18:]),
		Status:  binary.LittleEndian.Uint32(b[0x1C:]),
	}
	for i := range d.App {
		d.App[i] = binary.LittleEndian.Uint32(b[0x20+4*i:])
	}
	return d
}
