package transport

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fabrpc/fabrpc/internal/hugealloc"
	"github.com/fabrpc/fabrpc/internal/verbs"
)

// pdRegistrar registers memory regions against the transport's protection
// domain on behalf of the hugepage allocator.
type pdRegistrar struct {
	pd verbs.ProtectionDomain
}

// Registrar returns an adapter the hugepage allocator uses to register
// freshly mapped extents with this transport's protection domain.
func (t *Transport) Registrar() hugealloc.Registrar {
	return pdRegistrar{pd: t.pd}
}

func (r pdRegistrar) Register(addr uintptr, length int) (verbs.MemoryRegion, error) {
	mr, err := r.pd.RegisterMemory(addr, length)
	if err != nil {
		return nil, fmt.Errorf("failed to register %d MB: %w", length/(1024*1024), err)
	}
	log.Debug().
		Int("bytes", length).
		Uint32("lkey", mr.LKey()).
		Msg("Registered memory region")
	return mr, nil
}

func (r pdRegistrar) Deregister(mr verbs.MemoryRegion) error {
	lkey := mr.LKey()
	if err := mr.Deregister(); err != nil {
		return fmt.Errorf("failed to deregister region with lkey %d: %w", lkey, err)
	}
	log.Debug().Uint32("lkey", lkey).Msg("Deregistered memory region")
	return nil
}
