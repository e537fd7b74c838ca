// Package transport implements a connection-less RPC transport over
// unreliable-datagram verbs queue pairs. It owns the device context,
// protection domain, completion queues, and queue pair for one endpoint,
// carves the hugepage-backed receive ring, and exposes raw datagram
// send/receive bursts; reliability and ordering belong to the RPC layer
// above it.
package transport

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fabrpc/fabrpc/internal/hugealloc"
	"github.com/fabrpc/fabrpc/internal/verbs"
)

// Transport-wide constants. The RPC engine must respect these.
const (
	// MTU is the datagram payload capacity. Chosen so RecvSize/64 is prime.
	MTU = 3840
	// RecvSize is one receive slot: MTU plus 64 bytes of leading margin for
	// the 40-byte GRH that precedes UD payloads.
	RecvSize = MTU + 64
	// GRHBytes is the size of the global routing header.
	GRHBytes = 40
	// Headroom is the packet-header headroom this fabric needs. It must be
	// exactly zero for UD verbs; New checks this invariant.
	Headroom = 0

	// SQDepth is the send queue and send CQ depth.
	SQDepth = 128
	// RQDepth is the receive queue and receive CQ depth.
	RQDepth = 2048
	// NumRxRingEntries is the receive ring size handed to the RPC engine.
	NumRxRingEntries = RQDepth

	// Postlist is the maximum batched post size for sends and receive polls.
	Postlist = 16
	// MaxInline is the inline-data threshold for send work requests.
	MaxInline = 60
	// RecvSlack is the number of consumed receives batched before re-posting.
	RecvSlack = 32
	// UnsigBatch is the selective-signaling period for sends.
	UnsigBatch = 64

	// QKey is the shared datagram authentication key for all nodes.
	QKey uint32 = 0xffffffff
)

// Fast-receive driver extension defaults. The sentinel values are a contract
// with a patched driver and may be overridden through Options.
const (
	// MagicWrIDFastRecv marks WRs posted through the batched fast path.
	MagicWrIDFastRecv uint64 = 3185
	// DefaultProbeWrID is the reserved WR ID of the capability probe.
	DefaultProbeWrID uint64 = 3186
	// DefaultProbeErrno is the return code a patched driver answers with.
	DefaultProbeErrno = 3187
)

// Mode selects the required link layer.
type Mode int

const (
	// ModeInfiniBand requires an InfiniBand link layer and LID routing.
	ModeInfiniBand Mode = iota
	// ModeRoCE requires an Ethernet link layer and GID routing.
	ModeRoCE
)

// Allocator is the externally owned hugepage allocator the transport draws
// its ring extent from. The returned regions must stay valid and pinned for
// the transport's lifetime.
type Allocator interface {
	Alloc(size int) (hugealloc.Buffer, error)
	NumaNode() int
}

// Options tune construction. The zero value selects the native verbs
// provider, InfiniBand mode, and the default probe sentinel contract.
type Options struct {
	// Provider enumerates fabric devices; nil selects the native provider.
	Provider verbs.Provider
	// Mode is the required link layer.
	Mode Mode
	// ProbeWrID overrides the capability probe's reserved WR ID.
	ProbeWrID uint64
	// ProbeErrno overrides the return code that signals driver support for
	// batched receive posting.
	ProbeErrno int
}

// resolution is the port resolution record. It is written exactly once, by
// resolvePhyPort, and is immutable afterwards.
type resolution struct {
	deviceID  int
	ctx       verbs.Context
	devPortID uint8  // 1-based port within the device
	portLID   uint16 // 0 is invalid
	gid       verbs.GID
}

// Transport is one UD verbs endpoint. A Transport instance is driven by a
// single logical thread of control; it performs no internal locking.
type Transport struct {
	rpcID   uint8
	phyPort uint8
	mode    Mode

	probeWrID  uint64
	probeErrno int

	resolve resolution

	pd     verbs.ProtectionDomain
	sendCQ verbs.CompletionQueue
	recvCQ verbs.CompletionQueue
	qp     verbs.QueuePair
	selfAH verbs.AddressHandle

	hugeAlloc Allocator
	numaNode  int

	ringExtent hugealloc.Buffer

	// Receive ring state.
	recvWR   [RQDepth]verbs.RecvWR
	recvSGL  [RQDepth][1]verbs.SGE
	recvHead int // index of the next un-posted receive descriptor

	// Send template state.
	sendWR  [Postlist]verbs.SendWR
	sendSGL [Postlist][2]verbs.SGE
	nbTx    uint64 // packets sent since the last flush

	poster      recvPoster
	useFastRecv bool

	recvsToPost int
}

// New resolves the phy_port'th active fabric port, brings up the protection
// domain and UD queue pair, and probes the driver's receive-posting
// capability. It returns a fully constructed transport or an error; there is
// no partially constructed state to observe. Hardware misconfiguration is
// unrecoverable and callers are expected to terminate on error.
func New(rpcID, phyPort uint8, opts *Options) (*Transport, error) {
	if opts == nil {
		opts = &Options{}
	}
	provider := opts.Provider
	if provider == nil {
		provider = verbs.Native()
	}
	probeWrID := opts.ProbeWrID
	if probeWrID == 0 {
		probeWrID = DefaultProbeWrID
	}
	probeErrno := opts.ProbeErrno
	if probeErrno == 0 {
		probeErrno = DefaultProbeErrno
	}

	if Headroom != 0 {
		return nil, fmt.Errorf("packet header headroom must be 0 for UD verbs, have %d", Headroom)
	}

	t := &Transport{
		rpcID:      rpcID,
		phyPort:    phyPort,
		mode:       opts.Mode,
		probeWrID:  probeWrID,
		probeErrno: probeErrno,
	}

	if err := t.resolvePhyPort(provider); err != nil {
		return nil, fmt.Errorf("port resolution failed: %w", err)
	}

	if err := t.initVerbsStructs(); err != nil {
		// resolvePhyPort left the selected device open; close it so a failed
		// construction leaks nothing.
		t.teardownPartial()
		return nil, fmt.Errorf("verbs setup failed: %w", err)
	}

	log.Info().
		Uint8("rpc_id", rpcID).
		Str("device", t.resolve.ctx.DeviceName()).
		Uint8("port", t.resolve.devPortID).
		Uint32("qpn", t.qp.Num()).
		Msg("Created UD transport")

	return t, nil
}

// InitHugepageStructures borrows the allocator, carves the receive ring
// extent, primes the receive queue, and pre-builds the send templates. It
// must be called exactly once after New and before any send or receive.
// rxRing must have NumRxRingEntries slots; on return rxRing[i] is the payload
// view of ring slot i.
func (t *Transport) InitHugepageStructures(alloc Allocator, rxRing [][]byte) error {
	if t.hugeAlloc != nil {
		return fmt.Errorf("hugepage structures initialized twice")
	}
	if len(rxRing) != NumRxRingEntries {
		return fmt.Errorf("rx ring must have %d entries, got %d", NumRxRingEntries, len(rxRing))
	}
	t.hugeAlloc = alloc
	t.numaNode = alloc.NumaNode()

	if err := t.initRecvs(rxRing); err != nil {
		return err
	}
	t.initSends()
	return nil
}

// Close tears down the non-hugepage resources in strict reverse order of
// acquisition: queue pair, send CQ, receive CQ, self address handle,
// protection domain, device context. Reordering any pair is undefined
// behavior at the hardware level, so failures here are returned as errors
// the caller should treat as fatal. Ring memory is owned and freed by the
// allocator, after this returns.
func (t *Transport) Close() error {
	log.Info().Uint8("rpc_id", t.rpcID).Msg("Destroying UD transport")

	if err := t.qp.Destroy(); err != nil {
		return fmt.Errorf("failed to destroy QP: %w", err)
	}
	if err := t.sendCQ.Destroy(); err != nil {
		return fmt.Errorf("failed to destroy send CQ: %w", err)
	}
	if err := t.recvCQ.Destroy(); err != nil {
		return fmt.Errorf("failed to destroy recv CQ: %w", err)
	}
	if err := t.selfAH.Destroy(); err != nil {
		return fmt.Errorf("failed to destroy self address handle: %w", err)
	}
	if err := t.pd.Dealloc(); err != nil {
		return fmt.Errorf("failed to deallocate protection domain: %w", err)
	}
	if err := t.resolve.ctx.Close(); err != nil {
		return fmt.Errorf("failed to close device: %w", err)
	}
	return nil
}

// teardownPartial unwinds whatever a failed construction had acquired, in
// reverse order.
func (t *Transport) teardownPartial() {
	if t.qp != nil {
		_ = t.qp.Destroy()
	}
	if t.sendCQ != nil {
		_ = t.sendCQ.Destroy()
	}
	if t.recvCQ != nil {
		_ = t.recvCQ.Destroy()
	}
	if t.selfAH != nil {
		_ = t.selfAH.Destroy()
	}
	if t.pd != nil {
		_ = t.pd.Dealloc()
	}
	if t.resolve.ctx != nil {
		_ = t.resolve.ctx.Close()
	}
}

// initVerbsStructs allocates the PD and CQs, creates the UD QP, walks it to
// the ready-to-send state, creates the self address handle, and probes for
// the fast-receive driver extension.
func (t *Transport) initVerbsStructs() error {
	var err error

	t.pd, err = t.resolve.ctx.AllocPD()
	if err != nil {
		return err
	}

	t.sendCQ, err = t.resolve.ctx.CreateCQ(SQDepth)
	if err != nil {
		return fmt.Errorf("failed to create send CQ: %w", err)
	}
	t.recvCQ, err = t.resolve.ctx.CreateCQ(RQDepth)
	if err != nil {
		return fmt.Errorf("failed to create recv CQ: %w", err)
	}

	t.qp, err = t.pd.CreateQP(verbs.QPInitAttr{
		SendCQ:        t.sendCQ,
		RecvCQ:        t.recvCQ,
		MaxSendWR:     SQDepth,
		MaxRecvWR:     RQDepth,
		MaxSendSGE:    1,
		MaxRecvSGE:    1,
		MaxInlineData: MaxInline,
	})
	if err != nil {
		return err
	}

	if err := t.qp.ToInit(t.resolve.devPortID, QKey); err != nil {
		return err
	}
	if err := t.qp.ToRTR(); err != nil {
		return err
	}

	// The self address handle needs the QP number, so it must be created
	// after the QP; it is used for loopback flushes.
	var selfRI RoutingInfo
	t.FillLocalRoutingInfo(&selfRI)
	t.selfAH, err = t.createAH(&selfRI)
	if err != nil {
		return fmt.Errorf("failed to create self address handle: %w", err)
	}

	// PSN is irrelevant for UD but the state machine requires one.
	if err := t.qp.ToRTS(0); err != nil {
		return err
	}

	t.probeFastRecv()
	return nil
}

// RPCID returns the identity this transport was created for.
func (t *Transport) RPCID() uint8 { return t.rpcID }

// QPNum returns the queue pair number.
func (t *Transport) QPNum() uint32 { return t.qp.Num() }

// NumaNode returns the allocator's NUMA node. Valid only after
// InitHugepageStructures.
func (t *Transport) NumaNode() int { return t.numaNode }

// SelfAddressHandle returns the loopback address handle.
func (t *Transport) SelfAddressHandle() verbs.AddressHandle { return t.selfAH }

func (t *Transport) isRoCE() bool { return t.mode == ModeRoCE }
