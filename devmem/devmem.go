// Package devmem is the hardware platform: engine register windows and benchmark memory are mapped from /dev/mem
// (or a UIO node) opened O_SYNC, so CPU accesses are uncached and cache maintenance reduces to barriers.
package devmem

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/dmabench/cachesync"
	"github.com/slackhq/dmabench/dmaerr"
	"github.com/slackhq/dmabench/memregion"
	"github.com/slackhq/dmabench/regs"
)

const DefaultPath = "/dev/mem"

// window is one mapped range of physical memory. raw is the page aligned mapping, data the requested part of it.
type window struct {
	base uint64
	data []byte
	raw  []byte
}

func (w *window) contains(addr uint64, n int) bool {
	return addr >= w.base && addr+uint64(n) >= addr && addr+uint64(n) <= w.base+uint64(len(w.data))
}

// Platform owns the mappings. It is the CPU view of benchmark memory for the engines and the harness.
type Platform struct {
	l     *logrus.Logger
	fd    int
	path  string
	table *memregion.Table

	mem  []*window
	regs []*window

	Sync *cachesync.Sync
}

// Open maps the test window of every allocatable region of t from path.
func Open(l *logrus.Logger, path string, t *memregion.Table) (*Platform, error) {
	fd, err := openMem(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	p := &Platform{
		l:     l,
		fd:    fd,
		path:  path,
		table: t,
		Sync:  cachesync.New(cachesync.Uncached{}, t),
	}

	for _, r := range t.Regions() {
		if !r.Allocatable || r.TestSize == 0 {
			continue
		}
		w, err := p.mapRange(r.TestBase, r.TestSize)
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("mapping region %s: %w", r.Name, err)
		}
		p.mem = append(p.mem, w)

		l.WithFields(logrus.Fields{
			"region": r.Name,
			"base":   fmt.Sprintf("0x%x", r.TestBase),
			"size":   r.TestSize,
		}).Debug("Mapped memory region")
	}
	sort.Slice(p.mem, func(i, j int) bool { return p.mem[i].base < p.mem[j].base })

	return p, nil
}

func (p *Platform) mapRange(base, size uint64) (*window, error) {
	pg := uint64(os.Getpagesize())
	off := base % pg
	raw, err := mmap(p.fd, base-off, size+off)
	if err != nil {
		return nil, err
	}
	return &window{base: base, data: raw[off : off+size], raw: raw}, nil
}

// Registers maps size bytes of register space at base.
func (p *Platform) Registers(base uint64, size int) (regs.Registers, error) {
	if size <= 0 || size%4 != 0 || base%4 != 0 {
		return nil, fmt.Errorf("%w: register window of 0x%x bytes at 0x%x", dmaerr.ErrInvalidParam, size, base)
	}

	w, err := p.mapRange(base, uint64(size))
	if err != nil {
		return nil, fmt.Errorf("mapping registers at 0x%x: %w", base, err)
	}
	p.regs = append(p.regs, w)

	r, err := regs.NewMMIO(w.data)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (p *Platform) find(addr uint64, n int) ([]byte, error) {
	for _, w := range p.mem {
		if w.contains(addr, n) {
			o := addr - w.base
			return w.data[o : o+uint64(n)], nil
		}
	}
	return nil, fmt.Errorf("%w: 0x%x bytes at 0x%x are outside every mapped region", dmaerr.ErrInvalidParam, n, addr)
}

func (p *Platform) ReadAt(b []byte, addr uint64) error {
	m, err := p.find(addr, len(b))
	if err != nil {
		return err
	}
	copy(b, m)
	return nil
}

func (p *Platform) WriteAt(b []byte, addr uint64) error {
	m, err := p.find(addr, len(b))
	if err != nil {
		return err
	}
	copy(m, b)
	return nil
}

// Close unmaps everything and closes the device.
func (p *Platform) Close() error {
	var errs []error
	for _, w := range append(p.mem, p.regs...) {
		if err := munmap(w.raw); err != nil {
			errs = append(errs, err)
		}
	}
	p.mem, p.regs = nil, nil

	if p.fd >= 0 {
		errs = append(errs, closeMem(p.fd))
		p.fd = -1
	}
	return errors.Join(errs...)
}
