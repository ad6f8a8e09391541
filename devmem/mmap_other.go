//go:build !linux

package devmem

import (
	"fmt"

	"github.com/slackhq/dmabench/dmaerr"
)

func openMem(path string) (int, error) {
	return -1, fmt.Errorf("%w: physical memory access is only implemented on linux", dmaerr.ErrNotSupported)
}

func mmap(int, uint64, uint64) ([]byte, error) {
	return nil, dmaerr.ErrNotSupported
}

func munmap([]byte) error { return nil }

func closeMem(int) error { return nil }
