package transport

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingLayout(t *testing.T) {
	f := newTestFabric()
	tr := newTestTransport(t, f)
	rxRing, _ := initTestRing(t, tr)

	base := uint64(tr.ringExtent.Addr)
	for i := 0; i < RQDepth; i++ {
		wantSlot := base + uint64(i*RecvSize) + (64 - GRHBytes)

		sge := tr.recvSGL[i][0]
		assert.Equal(t, wantSlot, sge.Addr, "slot %d address", i)
		assert.Equal(t, uint32(RecvSize), sge.Length, "slot %d length", i)
		assert.Equal(t, tr.ringExtent.LKey, sge.LKey, "slot %d lkey", i)

		// The WR ID caches the payload address past the GRH.
		assert.Equal(t, wantSlot+GRHBytes, tr.recvWR[i].ID, "slot %d wr id", i)

		// The published payload view aligns with the WR ID.
		require.Len(t, rxRing[i], MTU)
		assert.Equal(t, tr.recvWR[i].ID,
			uint64(uintptr(unsafe.Pointer(&rxRing[i][0]))), "slot %d payload view", i)
	}

	// Every slot stays inside the extent.
	lastEnd := uint64(tr.recvSGL[RQDepth-1][0].Addr) + RecvSize
	assert.LessOrEqual(t, lastEnd, base+uint64(tr.ringExtent.Length))
}

func TestRingLayoutIsDeterministic(t *testing.T) {
	offsets := func() []uint64 {
		f := newTestFabric()
		tr := newTestTransport(t, f)
		initTestRing(t, tr)
		base := uint64(tr.ringExtent.Addr)
		out := make([]uint64, RQDepth)
		for i := range out {
			out[i] = tr.recvSGL[i][0].Addr - base
		}
		return out
	}

	assert.Equal(t, offsets(), offsets())
}

func TestRingCircularity(t *testing.T) {
	f := newTestFabric()
	tr := newTestTransport(t, f)
	initTestRing(t, tr)

	// Following Next exactly RQDepth times from any slot returns to it,
	// visiting every descriptor once.
	visited := 0
	wr := &tr.recvWR[0]
	for {
		wr = wr.Next
		require.NotNil(t, wr)
		visited++
		if wr == &tr.recvWR[0] {
			break
		}
		require.LessOrEqual(t, visited, RQDepth, "chain does not close")
	}
	assert.Equal(t, RQDepth, visited)
}

func TestRingPrimingPost(t *testing.T) {
	f := newTestFabric()
	tr := newTestTransport(t, f)
	initTestRing(t, tr)

	// The priming post pushed the full ring in one chain, in slot order,
	// and the chain break at the tail was restored afterwards.
	qp := f.QPs[0]
	require.Len(t, qp.Recvs, RQDepth)
	for i, wr := range qp.Recvs {
		assert.Equal(t, tr.recvWR[i].ID, wr.ID, "posted slot %d", i)
	}
	assert.Same(t, &tr.recvWR[0], tr.recvWR[RQDepth-1].Next)
}

func TestInitHugepageStructuresTwice(t *testing.T) {
	f := newTestFabric()
	tr := newTestTransport(t, f)
	rxRing, _ := initTestRing(t, tr)

	err := tr.InitHugepageStructures(&heapAllocator{}, rxRing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "twice")
}

func TestInitHugepageStructuresRingSize(t *testing.T) {
	f := newTestFabric()
	tr := newTestTransport(t, f)

	err := tr.InitHugepageStructures(&heapAllocator{}, make([][]byte, 3))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rx ring")
}

func TestSendTemplates(t *testing.T) {
	f := newTestFabric()
	tr := newTestTransport(t, f)
	initTestRing(t, tr)

	for i := 0; i < Postlist; i++ {
		assert.Equal(t, QKey, tr.sendWR[i].RemoteQKey, "template %d qkey", i)
		if i < Postlist-1 {
			assert.Same(t, &tr.sendWR[i+1], tr.sendWR[i].Next, "template %d link", i)
		} else {
			assert.Nil(t, tr.sendWR[i].Next)
		}
	}
}
