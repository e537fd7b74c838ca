package verbstest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrpc/fabrpc/internal/verbs"
)

func newFakeQP(t *testing.T) (*Fabric, verbs.QueuePair) {
	t.Helper()
	dev := &Device{
		DevName: "mlx5_0",
		Ports:   map[uint8]verbs.PortAttr{1: ActivePort(1, 4096)},
	}
	f := NewFabric(dev)
	ctx, err := dev.Open()
	require.NoError(t, err)
	pd, err := ctx.AllocPD()
	require.NoError(t, err)
	cq, err := ctx.CreateCQ(16)
	require.NoError(t, err)
	qp, err := pd.CreateQP(verbs.QPInitAttr{SendCQ: cq, RecvCQ: cq, MaxSendWR: 16, MaxRecvWR: 16})
	require.NoError(t, err)
	return f, qp
}

func TestQueuePairStateMachineIsMonotonic(t *testing.T) {
	_, qp := newFakeQP(t)

	// Transitions out of order are refused.
	require.Error(t, qp.ToRTR())
	require.Error(t, qp.ToRTS(0))

	require.NoError(t, qp.ToInit(1, 0xffffffff))
	// INIT is never revisited.
	require.Error(t, qp.ToInit(1, 0xffffffff))

	require.NoError(t, qp.ToRTR())
	require.Error(t, qp.ToRTR())

	require.NoError(t, qp.ToRTS(0))
	require.Error(t, qp.ToRTS(0))
}

func TestQueuePairRejectsPostsBeforeReady(t *testing.T) {
	_, qp := newFakeQP(t)

	sge := []verbs.SGE{{Addr: 0x1000, Length: 64, LKey: 1}}
	err := qp.PostRecv(&verbs.RecvWR{ID: 1, SGL: sge})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state")

	require.NoError(t, qp.ToInit(1, 0))
	require.NoError(t, qp.ToRTR())
	require.Error(t, qp.PostRecv(&verbs.RecvWR{ID: 1, SGL: sge}))

	require.NoError(t, qp.ToRTS(0))
	require.NoError(t, qp.PostRecv(&verbs.RecvWR{ID: 1, SGL: sge}))
}

func TestQueuePairRejectsUseAfterDestroy(t *testing.T) {
	_, qp := newFakeQP(t)
	require.NoError(t, qp.ToInit(1, 0))
	require.NoError(t, qp.ToRTR())
	require.NoError(t, qp.ToRTS(0))

	require.NoError(t, qp.Destroy())
	require.Error(t, qp.Destroy())
	require.Error(t, qp.PostRecv(&verbs.RecvWR{ID: 1, SGL: []verbs.SGE{{Length: 1}}}))
}
