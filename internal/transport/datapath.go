package transport

import (
	"fmt"

	"github.com/fabrpc/fabrpc/internal/verbs"
)

// TxBurstItem describes one datagram of a send burst. The referenced memory
// must be registered (LKey) unless the payload is small enough to be inlined.
type TxBurstItem struct {
	// Routing identifies the destination; it must be resolved.
	Routing *RoutingInfo
	// Addr and Length locate the payload.
	Addr   uint64
	Length uint32
	// LKey is the payload's memory region key; ignored for inlined sends.
	LKey uint32
	// Imm travels in the datagram's immediate-data field.
	Imm uint32
}

// TxBurst posts up to Postlist datagrams as one chained send. Payloads no
// larger than MaxInline are copied into the work request by the driver, so
// their buffers may be reused as soon as TxBurst returns; larger payloads
// must stay untouched until their completion is drained by a later
// signaled send.
func (t *Transport) TxBurst(items []TxBurstItem) error {
	n := len(items)
	if n == 0 {
		return nil
	}
	if n > Postlist {
		return fmt.Errorf("burst of %d exceeds the post list limit %d", n, Postlist)
	}

	for i := 0; i < n; i++ {
		item := &items[i]
		wr := &t.sendWR[i]

		sge := &t.sendSGL[i][0]
		sge.Addr = item.Addr
		sge.Length = item.Length
		sge.LKey = item.LKey
		wr.SGL = t.sendSGL[i][:1]

		flags, err := t.signalFlag()
		if err != nil {
			return err
		}
		if item.Length <= MaxInline {
			flags |= verbs.SendInline
		}
		wr.Flags = flags
		wr.Imm = item.Imm

		wr.AH = item.Routing.ah
		wr.RemoteQPN = item.Routing.QPN()
		t.nbTx++
	}

	// Break the template chain after the burst, post, restore.
	t.sendWR[n-1].Next = nil
	err := t.qp.PostSend(&t.sendWR[0])
	if n < Postlist {
		t.sendWR[n-1].Next = &t.sendWR[n]
	}
	if err != nil {
		return fmt.Errorf("failed to post send burst: %w", err)
	}
	return nil
}

// signalFlag implements selective signaling: every UnsigBatch'th send is
// signaled, and before reusing that signaled slot the previous signaled
// completion is drained so the send queue never overflows.
func (t *Transport) signalFlag() (verbs.SendFlags, error) {
	if t.nbTx%UnsigBatch != 0 {
		return 0, nil
	}
	if t.nbTx > 0 {
		if err := t.drainOneSendCompletion(); err != nil {
			return 0, err
		}
	}
	return verbs.SendSignaled, nil
}

func (t *Transport) drainOneSendCompletion() error {
	var wc [1]verbs.WC
	for {
		n, err := t.sendCQ.Poll(wc[:])
		if err != nil {
			return fmt.Errorf("failed to poll send CQ: %w", err)
		}
		if n == 0 {
			continue
		}
		if wc[0].Status != verbs.WCSuccess {
			return fmt.Errorf("send completion failed with status %d", wc[0].Status)
		}
		return nil
	}
}

// RxBurst polls the receive completion queue for up to Postlist datagram
// arrivals. wc[i].ID is the payload address cached in the receive
// descriptor, and wc[i].ByteLen includes the GRH.
func (t *Transport) RxBurst(wc []verbs.WC) (int, error) {
	if len(wc) > Postlist {
		wc = wc[:Postlist]
	}
	n, err := t.recvCQ.Poll(wc)
	if err != nil {
		return 0, fmt.Errorf("failed to poll recv CQ: %w", err)
	}
	for i := 0; i < n; i++ {
		if wc[i].Status != verbs.WCSuccess {
			return 0, fmt.Errorf("recv completion %d failed with status %d", i, wc[i].Status)
		}
	}
	return n, nil
}

// PostRecvs returns num consumed receive slots to the hardware. Posts are
// batched: nothing is posted until at least RecvSlack slots have
// accumulated, which bounds the per-packet posting cost.
func (t *Transport) PostRecvs(num int) error {
	if num < 0 {
		return fmt.Errorf("cannot post %d receives", num)
	}
	if t.recvsToPost+num > RQDepth {
		return fmt.Errorf("%d receives to post exceeds the queue depth %d", t.recvsToPost+num, RQDepth)
	}
	t.recvsToPost += num
	if t.recvsToPost < RecvSlack {
		return nil
	}

	first := t.recvHead
	n := t.recvsToPost
	if err := t.poster.post(t, first, n); err != nil {
		return fmt.Errorf("failed to post %d receives: %w", n, err)
	}
	t.recvHead = (t.recvHead + n) % RQDepth
	t.recvsToPost = 0
	return nil
}

// TxFlush forces all previously posted sends onto the wire by sending a
// signaled zero-length datagram to this transport's own queue pair and
// draining the send completion queue up to it. The loopback datagram
// consumes one receive slot, which the caller's next RxBurst will observe
// and return through PostRecvs.
func (t *Transport) TxFlush() error {
	if t.hugeAlloc == nil {
		return fmt.Errorf("cannot flush before hugepage structures are initialized")
	}
	wr := &t.sendWR[0]
	sge := &t.sendSGL[0][0]
	sge.Addr = uint64(t.ringExtent.Addr)
	sge.Length = 0
	sge.LKey = t.ringExtent.LKey
	wr.SGL = t.sendSGL[0][:1]
	wr.Flags = verbs.SendSignaled | verbs.SendInline
	wr.Imm = 0
	wr.AH = t.selfAH
	wr.RemoteQPN = t.qp.Num()

	next := wr.Next
	wr.Next = nil
	err := t.qp.PostSend(wr)
	wr.Next = next
	if err != nil {
		return fmt.Errorf("failed to post flush send: %w", err)
	}

	if err := t.drainOneSendCompletion(); err != nil {
		return err
	}
	// The flush resets the signaling window.
	t.nbTx = 0
	return nil
}
