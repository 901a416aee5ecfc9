//go:build !linux

package main

// allocRAM returns size bytes of zeroed host memory backing the simulated
// physical memory, and a function that releases it.
func allocRAM(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
