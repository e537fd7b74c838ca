package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrpc/fabrpc/internal/verbs"
)

func resolvedSelfRouting(t *testing.T, tr *Transport) *RoutingInfo {
	t.Helper()
	var ri RoutingInfo
	tr.FillLocalRoutingInfo(&ri)
	require.NoError(t, tr.ResolveRemoteRoutingInfo(&ri))
	return &ri
}

func TestTxBurst(t *testing.T) {
	f := newTestFabric()
	tr := newTestTransport(t, f)
	initTestRing(t, tr)
	ri := resolvedSelfRouting(t, tr)

	items := []TxBurstItem{
		{Routing: ri, Addr: 0x1000, Length: 32, LKey: 11, Imm: 7},
		{Routing: ri, Addr: 0x2000, Length: 512, LKey: 11, Imm: 8},
	}
	require.NoError(t, tr.TxBurst(items))

	qp := f.QPs[0]
	require.Len(t, qp.Sends, 2)

	// The first send of a fresh transport opens a signaling window.
	assert.NotZero(t, qp.Sends[0].Flags&verbs.SendSignaled)
	assert.Zero(t, qp.Sends[1].Flags&verbs.SendSignaled)

	// Small payloads ride inline; the larger one does not.
	assert.NotZero(t, qp.Sends[0].Flags&verbs.SendInline)
	assert.Zero(t, qp.Sends[1].Flags&verbs.SendInline)

	for i, wr := range qp.Sends {
		assert.Equal(t, ri.QPN(), wr.RemoteQPN, "send %d", i)
		assert.Equal(t, QKey, wr.RemoteQKey, "send %d", i)
		assert.Equal(t, items[i].Imm, wr.Imm, "send %d", i)
		require.Len(t, wr.SGL, 1)
		assert.Equal(t, items[i].Addr, wr.SGL[0].Addr, "send %d", i)
		assert.Equal(t, items[i].Length, wr.SGL[0].Length, "send %d", i)
	}

	// The template chain is whole again after the burst.
	assert.Same(t, &tr.sendWR[2], tr.sendWR[1].Next)
}

func TestTxBurstRejectsOversizedBurst(t *testing.T) {
	f := newTestFabric()
	tr := newTestTransport(t, f)
	initTestRing(t, tr)
	ri := resolvedSelfRouting(t, tr)

	items := make([]TxBurstItem, Postlist+1)
	for i := range items {
		items[i] = TxBurstItem{Routing: ri, Length: 1}
	}
	require.Error(t, tr.TxBurst(items))
}

func TestSelectiveSignaling(t *testing.T) {
	f := newTestFabric()
	tr := newTestTransport(t, f)
	initTestRing(t, tr)
	ri := resolvedSelfRouting(t, tr)

	// Crossing the signaling window drains the previous signaled
	// completion before arming the next one.
	f.CQs[0].Push(verbs.WC{Status: verbs.WCSuccess})

	for i := 0; i < UnsigBatch+1; i++ {
		require.NoError(t, tr.TxBurst([]TxBurstItem{{Routing: ri, Length: 16}}))
	}

	qp := f.QPs[0]
	signaled := 0
	for _, wr := range qp.Sends {
		if wr.Flags&verbs.SendSignaled != 0 {
			signaled++
		}
	}
	assert.Equal(t, 2, signaled)
}

func TestRxBurst(t *testing.T) {
	f := newTestFabric()
	tr := newTestTransport(t, f)
	initTestRing(t, tr)

	for i := 0; i < 3; i++ {
		f.CQs[1].Push(verbs.WC{
			ID:      tr.recvWR[i].ID,
			Status:  verbs.WCSuccess,
			ByteLen: GRHBytes + 100,
			GRH:     true,
		})
	}

	var wc [Postlist]verbs.WC
	n, err := tr.RxBurst(wc[:])
	require.NoError(t, err)
	require.Equal(t, 3, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, tr.recvWR[i].ID, wc[i].ID)
	}
}

func TestRxBurstSurfacesBadStatus(t *testing.T) {
	f := newTestFabric()
	tr := newTestTransport(t, f)
	initTestRing(t, tr)

	f.CQs[1].Push(verbs.WC{Status: 5}) // IBV_WC_WR_FLUSH_ERR

	var wc [Postlist]verbs.WC
	_, err := tr.RxBurst(wc[:])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 5")
}

func TestPostRecvsSlack(t *testing.T) {
	f := newTestFabric()
	tr := newTestTransport(t, f)
	initTestRing(t, tr)

	primed := f.PostedRecvs

	// Below the slack threshold nothing reaches the hardware.
	require.NoError(t, tr.PostRecvs(RecvSlack/2))
	assert.Equal(t, primed, f.PostedRecvs)

	// Crossing it flushes the accumulated slots in one go.
	require.NoError(t, tr.PostRecvs(RecvSlack/2))
	assert.Equal(t, primed+RecvSlack, f.PostedRecvs)
	assert.Equal(t, RecvSlack, tr.recvHead)
}

func TestPostRecvsRejectsExcessSlots(t *testing.T) {
	f := newTestFabric()
	tr := newTestTransport(t, f)
	initTestRing(t, tr)

	require.Error(t, tr.PostRecvs(-1))
	require.Error(t, tr.PostRecvs(RQDepth+1))

	// The bound holds for accumulated slack too.
	require.NoError(t, tr.PostRecvs(RecvSlack/2))
	require.Error(t, tr.PostRecvs(RQDepth))

	// A failed call leaves the accumulator untouched.
	require.NoError(t, tr.PostRecvs(RecvSlack/2))
	assert.Equal(t, 0, tr.recvsToPost)
}

func TestPostRecvsWrapsRing(t *testing.T) {
	f := newTestFabric()
	f.ProbeErrno = DefaultProbeErrno // batched posting exercises the chain break
	tr := newTestTransport(t, f)
	initTestRing(t, tr)

	primed := f.PostedRecvs
	for i := 0; i < RQDepth/RecvSlack; i++ {
		require.NoError(t, tr.PostRecvs(RecvSlack))
	}

	// A full lap re-posted every slot and left the head at zero with the
	// circular chain intact.
	assert.Equal(t, primed+RQDepth, f.PostedRecvs)
	assert.Equal(t, 0, tr.recvHead)
	for i := 0; i < RQDepth; i++ {
		require.Same(t, &tr.recvWR[(i+1)%RQDepth], tr.recvWR[i].Next, "slot %d link", i)
	}
}

func TestTxFlush(t *testing.T) {
	f := newTestFabric()
	tr := newTestTransport(t, f)
	initTestRing(t, tr)
	ri := resolvedSelfRouting(t, tr)

	require.NoError(t, tr.TxBurst([]TxBurstItem{{Routing: ri, Length: 16}}))

	f.CQs[0].Push(verbs.WC{Status: verbs.WCSuccess})
	require.NoError(t, tr.TxFlush())

	qp := f.QPs[0]
	flush := qp.Sends[len(qp.Sends)-1]
	assert.Equal(t, tr.SelfAddressHandle(), flush.AH)
	assert.Equal(t, tr.QPNum(), flush.RemoteQPN)
	assert.NotZero(t, flush.Flags&verbs.SendSignaled)
	assert.Zero(t, flush.SGL[0].Length)
	assert.Zero(t, tr.nbTx)
}

func TestTxFlushBeforeRingInit(t *testing.T) {
	f := newTestFabric()
	tr := newTestTransport(t, f)

	// Without hugepage structures there is no registered ring to send from.
	err := tr.TxFlush()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hugepage structures")
	assert.Empty(t, f.QPs[0].Sends)
}
