//go:build unix

package mem

import (
	"golang.org/x/sys/unix"
)

func mapAnonymous(size int) ([]byte, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	flags |= mapNoReserve
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, flags)
}

func unmapAnonymous(b []byte) error {
	if b == nil {
		return nil
	}
	return unix.Munmap(b)
}
