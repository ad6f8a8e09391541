package sim

import (
	"fmt"
	"sync"

	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/memregion"
)

const pageSize = 4096

// Memory is simulated physical memory, what an engine sees. Pages are allocated on first write and read as zero
// before that. Accesses outside every region of the table fail, which the engine models report as decode errors.
type Memory struct {
	table *memregion.Table

	m     sync.RWMutex
	pages map[uint64]*[pageSize]byte
}

func NewMemory(t *memregion.Table) *Memory {
	return &Memory{table: t, pages: make(map[uint64]*[pageSize]byte)}
}

// Backed reports whether [addr, addr+size) lies inside one region.
func (m *Memory) Backed(addr, size uint64) bool {
	if size == 0 {
		return false
	}
	_, ok := m.table.Find(addr, size)
	return ok
}

func (m *Memory) check(addr uint64, n int) error {
	if !m.Backed(addr, uint64(n)) {
		return fmt.Errorf("%w: 0x%x bytes at 0x%x are not backed by any region", dmaerr.ErrInvalidParam, n, addr)
	}
	return nil
}

func (m *Memory) ReadAt(p []byte, addr uint64) error {
	if len(p) == 0 {
		return nil
	}
	if err := m.check(addr, len(p)); err != nil {
		return err
	}

	m.m.RLock()
	defer m.m.RUnlock()
	for off := 0; off < len(p); {
		a := addr + uint64(off)
		po := int(a % pageSize)
		n := min(pageSize-po, len(p)-off)
		if pg := m.pages[a-uint64(po)]; pg != nil {
			copy(p[off:off+n], pg[po:po+n])
		} else {
			clear(p[off : off+n])
		}
		off += n
	}
	return nil
}

func (m *Memory) WriteAt(p []byte, addr uint64) error {
	if len(p) == 0 {
		return nil
	}
	if err := m.check(addr, len(p)); err != nil {
		return err
	}

	m.m.Lock()
	defer m.m.Unlock()
	for off := 0; off < len(p); {
		a := addr + uint64(off)
		po := int(a % pageSize)
		n := min(pageSize-po, len(p)-off)
		key := a - uint64(po)
		pg := m.pages[key]
		if pg == nil {
			pg = new([pageSize]byte)
			m.pages[key] = pg
		}
		copy(pg[po:po+n], p[off:off+n])
		off += n
	}
	return nil
}

// Copy moves n bytes from src to dst the way an engine does, in bounded chunks.
func (m *Memory) Copy(dst, src uint64, n int) error {
	if err := m.check(src, n); err != nil {
		return err
	}
	if err := m.check(dst, n); err != nil {
		return err
	}

	const chunk = 64 << 10
	buf := make([]byte, min(n, chunk))
	for off := 0; off < n; off += len(buf) {
		c := min(len(buf), n-off)
		if err := m.ReadAt(buf[:c], src+uint64(off)); err != nil {
			return err
		}
		if err := m.WriteAt(buf[:c], dst+uint64(off)); err != nil {
			return err
		}
	}
	return nil
}

// FillWord writes word little endian repeatedly over n bytes at dst.
func (m *Memory) FillWord(dst uint64, n int, word uint32) error {
	if err := m.check(dst, n); err != nil {
		return err
	}

	const chunk = 64 << 10
	buf := make([]byte, min(n, chunk))
	for i := range buf {
		buf[i] = byte(word >> (8 * (i % 4)))
	}
	for off := 0; off < n; off += len(buf) {
		c := min(len(buf), n-off)
		// chunk is a multiple of 4 so every chunk starts on a word boundary
		if err := m.WriteAt(buf[:c], dst+uint64(off)); err != nil {
			return err
		}
	}
	return nil
}

// Pages returns how many pages have been written.
func (m *Memory) Pages() int {
	m.m.RLock()
	defer m.m.RUnlock()
	return len(m.pages)
}
