//go:build !linux

package hugealloc

import "golang.org/x/sys/unix"

// mapExtent maps size bytes of anonymous memory. Hugepages are a Linux
// feature, so the mapping always uses regular pages here.
func mapExtent(size int) ([]byte, bool, error) {
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, false, err
	}
	return data, false, nil
}

func unmapExtent(data []byte) error {
	return unix.Munmap(data)
}
