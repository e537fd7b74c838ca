// Package hugealloc provides a hugepage-backed extent allocator for fabric
// ring buffers and message memory. Extents are mapped with 2 MiB pages when
// the system has them and registered with the owning transport's protection
// domain through a Registrar.
package hugealloc

import (
	"fmt"
	"unsafe"

	"github.com/rs/zerolog/log"

	"github.com/fabrpc/fabrpc/internal/verbs"
)

// HugepageSize is the assumed hugepage size.
const HugepageSize = 2 * 1024 * 1024

// Buffer is a registered slice of an extent.
type Buffer struct {
	Addr   uintptr
	Length int
	LKey   uint32
}

// Registrar registers freshly mapped extents with a protection domain. A
// transport provides one; see the transport package's Registrar method.
type Registrar interface {
	Register(addr uintptr, length int) (verbs.MemoryRegion, error)
	Deregister(mr verbs.MemoryRegion) error
}

type extent struct {
	data []byte
	mr   verbs.MemoryRegion
	huge bool
}

// Allocator hands out registered extents. It is not safe for concurrent use;
// like the transport it serves, it belongs to a single thread of control.
type Allocator struct {
	numaNode    int
	reg         Registrar
	extents     []extent
	totalMapped int
}

// New returns an allocator whose extents are registered through reg. The
// NUMA node is advisory placement metadata for the caller.
func New(numaNode int, reg Registrar) *Allocator {
	return &Allocator{numaNode: numaNode, reg: reg}
}

// Alloc maps a new extent of at least size bytes, registers it, and returns
// it as a single buffer. Hugepages are tried first; if the system cannot
// supply them the extent falls back to regular pages, which costs TLB misses
// but is otherwise transparent.
func (a *Allocator) Alloc(size int) (Buffer, error) {
	if size <= 0 {
		return Buffer{}, fmt.Errorf("invalid extent size %d", size)
	}
	mapped := (size + HugepageSize - 1) / HugepageSize * HugepageSize

	data, huge, err := mapExtent(mapped)
	if err != nil {
		return Buffer{}, fmt.Errorf("failed to map %d MB: %w", mapped/(1024*1024), err)
	}
	if !huge {
		log.Warn().
			Int("bytes", mapped).
			Msg("Hugepages unavailable, using regular pages; performance will degrade")
	}

	addr := uintptr(unsafe.Pointer(&data[0]))
	mr, err := a.reg.Register(addr, mapped)
	if err != nil {
		_ = unmapExtent(data)
		return Buffer{}, err
	}

	a.extents = append(a.extents, extent{data: data, mr: mr, huge: huge})
	a.totalMapped += mapped
	return Buffer{Addr: addr, Length: mapped, LKey: mr.LKey()}, nil
}

// NumaNode returns the node this allocator places memory on.
func (a *Allocator) NumaNode() int { return a.numaNode }

// TotalMapped returns the number of bytes currently mapped.
func (a *Allocator) TotalMapped() int { return a.totalMapped }

// Close deregisters and unmaps every extent. Buffers handed out earlier are
// invalid afterwards; the owning transport must already be closed or idle.
func (a *Allocator) Close() error {
	var firstErr error
	for _, e := range a.extents {
		if err := a.reg.Deregister(e.mr); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := unmapExtent(e.data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to unmap extent: %w", err)
		}
		a.totalMapped -= len(e.data)
	}
	a.extents = nil
	return firstErr
}
