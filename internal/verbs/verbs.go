// Package verbs is the boundary between the transport core and the RDMA
// verbs provider. The interfaces here mirror the subset of libibverbs the
// transport uses; the cgo-backed implementation lives in cverbs.go and a
// recording fake for tests lives in verbstest.
package verbs

import (
	"fmt"
)

// PortState is the logical state of a physical port.
type PortState uint8

const (
	PortNop PortState = iota
	PortDown
	PortInit
	PortArmed
	PortActive
	PortActiveDefer
)

// LinkLayer identifies a port's link-layer protocol.
type LinkLayer uint8

const (
	LinkLayerUnspecified LinkLayer = iota
	LinkLayerInfiniBand
	LinkLayerEthernet
)

// String returns the verbs-style name for the link layer.
func (l LinkLayer) String() string {
	switch l {
	case LinkLayerInfiniBand:
		return "InfiniBand"
	case LinkLayerEthernet:
		return "Ethernet"
	default:
		return "Unspecified"
	}
}

// GID is a 128-bit global identifier. Zero value means "no GID".
type GID [16]byte

// DeviceAttr holds the device attributes the transport queries.
type DeviceAttr struct {
	PhysPortCnt uint8
}

// PortAttr holds the port attributes the transport queries.
type PortAttr struct {
	State     PortState
	LID       uint16
	LinkLayer LinkLayer
	ActiveMTU int // bytes
}

// QPInitAttr carries the queue-pair creation attributes. Only unreliable
// datagram queue pairs are supported.
type QPInitAttr struct {
	SendCQ        CompletionQueue
	RecvCQ        CompletionQueue
	MaxSendWR     int
	MaxRecvWR     int
	MaxSendSGE    int
	MaxRecvSGE    int
	MaxInlineData int
}

// AHAttr carries the address-handle creation attributes.
type AHAttr struct {
	IsGlobal  bool
	DLID      uint16
	PortNum   uint8
	DGID      GID // global routing only
	SGIDIndex uint8
	HopLimit  uint8
}

// SGE is one scatter-gather entry.
type SGE struct {
	Addr   uint64
	Length uint32
	LKey   uint32
}

// SendFlags for send work requests.
type SendFlags uint32

const (
	SendSignaled SendFlags = 1 << iota
	SendInline
)

// RecvWR is a receive work request. Next links WRs into a post chain; a nil
// Next terminates the chain.
type RecvWR struct {
	ID   uint64
	SGL  []SGE
	Next *RecvWR
}

// SendWR is a send work request for an immediate-data UD send.
type SendWR struct {
	ID         uint64
	SGL        []SGE
	Next       *SendWR
	Flags      SendFlags
	Imm        uint32
	AH         AddressHandle
	RemoteQPN  uint32
	RemoteQKey uint32
}

// WCSuccess is the work completion status of a successful operation.
const WCSuccess uint32 = 0

// WC is one work completion.
type WC struct {
	ID      uint64
	Status  uint32 // 0 is success
	ByteLen uint32
	Imm     uint32
	SrcQP   uint32
	GRH     bool
}

// Errno is a raw nonzero return code from a post call. The capability probe
// compares it against a driver-specific sentinel.
type Errno int

func (e Errno) Error() string {
	return fmt.Sprintf("verbs post error %d", int(e))
}

// Device is one fabric device as enumerated by the provider.
type Device interface {
	Name() string
	Open() (Context, error)
}

// Provider enumerates fabric devices in driver listing order.
type Provider interface {
	Devices() ([]Device, error)
}

// Context is an open device context.
type Context interface {
	DeviceName() string
	QueryDevice() (DeviceAttr, error)
	QueryPort(port uint8) (PortAttr, error)
	QueryGID(port uint8, index int) (GID, error)
	AllocPD() (ProtectionDomain, error)
	CreateCQ(depth int) (CompletionQueue, error)
	Close() error
}

// ProtectionDomain scopes memory registrations and queue pairs.
type ProtectionDomain interface {
	CreateQP(attr QPInitAttr) (QueuePair, error)
	RegisterMemory(addr uintptr, length int) (MemoryRegion, error)
	CreateAH(attr AHAttr) (AddressHandle, error)
	Dealloc() error
}

// MemoryRegion is one pinned, device-accessible registration.
type MemoryRegion interface {
	LKey() uint32
	Length() int
	Deregister() error
}

// CompletionQueue is a bounded hardware completion FIFO.
type CompletionQueue interface {
	// Poll drains up to len(wc) completions and returns how many it wrote.
	Poll(wc []WC) (int, error)
	Destroy() error
}

// QueuePair is an unreliable-datagram send/receive endpoint.
//
// PostRecv and PostSend return nil on success or an Errno carrying the
// driver's raw return code.
type QueuePair interface {
	Num() uint32
	ToInit(port uint8, qkey uint32) error
	ToRTR() error
	ToRTS(psn uint32) error
	PostRecv(wr *RecvWR) error
	PostSend(wr *SendWR) error
	Destroy() error
}

// AddressHandle is a resolved, device-usable destination.
type AddressHandle interface {
	Destroy() error
}
