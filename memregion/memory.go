package memregion

// Memory is the CPU view of physical memory. On targets with caches, reads and writes go through the data cache, so
// buffers shared with a DMA engine need the maintenance done by the cachesync package.
type Memory interface {
	ReadAt(p []byte, addr uint64) error
	WriteAt(p []byte, addr uint64) error
}

// Zero clears size bytes at addr through m.
func Zero(m Memory, addr uint64, size int) error {
	const chunk = 64 << 10
	buf := make([]byte, min(size, chunk))
	for off := 0; off < size; off += len(buf) {
		n := min(len(buf), size-off)
		if err := m.WriteAt(buf[:n], addr+uint64(off)); err != nil {
			return err
		}
	}
	return nil
}

// Fill writes size bytes of v at addr through m.
func Fill(m Memory, addr uint64, size int, v byte) error {
	const chunk = 64 << 10
	buf := make([]byte, min(size, chunk))
	for i := range buf {
		buf[i] = v
	}
	for off := 0; off < size; off += len(buf) {
		n := min(len(buf), size-off)
		if err := m.WriteAt(buf[:n], addr+uint64(off)); err != nil {
			return err
		}
	}
	return nil
}
