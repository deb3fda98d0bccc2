//go:build !linux

package mem

// allocPages reserves the pool's backing storage as plain heap memory on
// hosts where we don't have an mmap-based reservation (see pool_linux.go).
func allocPages(n int) []byte {
	return make([]byte, n)
}
