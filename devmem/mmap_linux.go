package devmem

import (
	"golang.org/x/sys/unix"
)

func openMem(path string) (int, error) {
	return unix.Open(path, unix.O_RDWR|unix.O_SYNC|unix.O_CLOEXEC, 0)
}

func mmap(fd int, off, size uint64) ([]byte, error) {
	return unix.Mmap(fd, int64(off), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func munmap(b []byte) error {
	return unix.Munmap(b)
}

func closeMem(fd int) error {
	return unix.Close(fd)
}
