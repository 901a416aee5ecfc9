package main

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocRAM returns size bytes of zeroed, page-aligned host memory backing the
// simulated physical memory, and a function that releases it.
func allocRAM(size int) ([]byte, func() error, error) {
	mem, err := unix.Mmap(-1,
		0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to mmap %d bytes of RAM: %w", size, err)
	}

	return mem, func() error { return unix.Munmap(mem) }, nil
}
