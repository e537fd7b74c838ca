//go:build linux

package hugealloc

import "golang.org/x/sys/unix"

// mapExtent maps size bytes of anonymous memory, preferring hugepages. The
// boolean reports whether the mapping is hugepage-backed.
func mapExtent(size int) ([]byte, bool, error) {
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_HUGETLB|unix.MAP_POPULATE)
	if err == nil {
		return data, true, nil
	}

	data, err = unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, false, err
	}
	return data, false, nil
}

func unmapExtent(data []byte) error {
	return unix.Munmap(data)
}
