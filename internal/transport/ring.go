package transport

import (
	"fmt"
	"unsafe"

	"github.com/rs/zerolog/log"
)

// initRecvs carves the receive ring extent out of the hugepage allocator,
// builds the circular receive descriptor chain, publishes the per-slot
// payload views in rxRing, and primes the receive queue with one post.
func (t *Transport) initRecvs(rxRing [][]byte) error {
	ringExtentSize := NumRxRingEntries * RecvSize
	extent, err := t.hugeAlloc.Alloc(ringExtentSize)
	if err != nil {
		return fmt.Errorf("failed to allocate %d MB for ring buffers: %w",
			ringExtentSize/(1024*1024), err)
	}
	t.ringExtent = extent

	for i := 0; i < RQDepth; i++ {
		// Each slot is RecvSize = MTU + 64 bytes. Give up the first
		// (64 - GRHBytes) bytes so the slot still holds the GRH plus a full
		// MTU of payload.
		offset := i*RecvSize + (64 - GRHBytes)
		if offset+GRHBytes+MTU > ringExtentSize {
			return fmt.Errorf("ring slot %d overruns the extent", i)
		}

		t.recvSGL[i][0].Addr = uint64(extent.Addr) + uint64(offset)
		t.recvSGL[i][0].Length = RecvSize
		t.recvSGL[i][0].LKey = extent.LKey

		// The WR ID caches the payload address (GRH skipped) so completion
		// handling can prefetch without touching the descriptor.
		t.recvWR[i].ID = t.recvSGL[i][0].Addr + GRHBytes
		t.recvWR[i].SGL = t.recvSGL[i][:]

		// Circular link.
		if i < RQDepth-1 {
			t.recvWR[i].Next = &t.recvWR[i+1]
		} else {
			t.recvWR[i].Next = &t.recvWR[0]
		}

		rxRing[i] = unsafe.Slice(
			(*byte)(unsafe.Pointer(extent.Addr+uintptr(offset)+GRHBytes)), MTU)
	}

	// Fill the receive queue with a single post by temporarily breaking the
	// circular chain at the tail.
	t.recvWR[RQDepth-1].Next = nil
	err = t.qp.PostRecv(&t.recvWR[0])
	t.recvWR[RQDepth-1].Next = &t.recvWR[0]
	if err != nil {
		return fmt.Errorf("failed to fill the receive queue: %w", err)
	}

	log.Debug().
		Int("ring_entries", NumRxRingEntries).
		Int("slot_bytes", RecvSize).
		Uint32("lkey", extent.LKey).
		Msg("Initialized receive ring")
	return nil
}

// initSends pre-populates the invariant fields of the send descriptor
// templates and chains them for batched posting. TxBurst overwrites the
// per-send fields before each post.
func (t *Transport) initSends() {
	for i := 0; i < Postlist; i++ {
		if i < Postlist-1 {
			t.sendWR[i].Next = &t.sendWR[i+1]
		} else {
			t.sendWR[i].Next = nil
		}
		t.sendWR[i].RemoteQKey = QKey
		t.sendWR[i].SGL = t.sendSGL[i][:1]
	}
}
