//go:build linux

package mem

import (
	"golang.org/x/sys/unix"
)

// allocPages reserves the pool's backing storage with an anonymous mmap
// rather than a plain Go slice. A real hypervisor carves its page-table
// pool out of a fixed physical range reserved during early address-space
// initialisation (spec.md section 4.1); mmap is the closest a host process
// gets to that same "reserved contiguous region" shape, and it gives us
// page-aligned storage for free.
func allocPages(n int) []byte {
	if n == 0 {
		return nil
	}

	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		// Falling back to a heap slice keeps the pool usable (e.g. under
		// restrictive sandboxes); it loses nothing but the page
		// alignment guarantee, which nothing here depends on for
		// correctness.
		return make([]byte, n)
	}

	return b
}
