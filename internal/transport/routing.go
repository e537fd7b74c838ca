package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/fabrpc/fabrpc/internal/verbs"
)

// RoutingInfoSize is the fixed wire size of a routing blob:
// port LID (u16) + QP number (u32) + GID (16 bytes, Ethernet mode only).
const RoutingInfoSize = 22

// maxQPN bounds the 24-bit queue pair number space.
const maxQPN = 1<<24 - 1

// Blob offsets.
const (
	riOffLID = 0
	riOffQPN = 2
	riOffGID = 6
)

// RoutingInfo is a peer's addressing record. The Blob is exchanged
// out-of-band between peers; the address handle resolved from it is
// meaningful only on this machine.
type RoutingInfo struct {
	Blob [RoutingInfoSize]byte

	ah verbs.AddressHandle
}

// PortLID returns the blob's port identifier.
func (ri *RoutingInfo) PortLID() uint16 {
	return binary.LittleEndian.Uint16(ri.Blob[riOffLID:])
}

// QPN returns the blob's queue pair number.
func (ri *RoutingInfo) QPN() uint32 {
	return binary.LittleEndian.Uint32(ri.Blob[riOffQPN:])
}

// GID returns the blob's global identifier.
func (ri *RoutingInfo) GID() verbs.GID {
	var gid verbs.GID
	copy(gid[:], ri.Blob[riOffGID:])
	return gid
}

// Resolved reports whether ResolveRemoteRoutingInfo has attached an address
// handle to this record.
func (ri *RoutingInfo) Resolved() bool { return ri.ah != nil }

// String formats the cluster-meaningful fields for logs.
func (ri *RoutingInfo) String() string {
	gid := ri.GID()
	return fmt.Sprintf("[LID: %d, QPN: %d, GID hi %x lo %x]",
		ri.PortLID(), ri.QPN(), gid[:8], gid[8:])
}

// FillLocalRoutingInfo zero-fills ri's blob and writes this transport's port
// identifier, queue pair number, and (in Ethernet-fabric mode) global
// identifier. It has no other side effects and may be called repeatedly.
func (t *Transport) FillLocalRoutingInfo(ri *RoutingInfo) {
	ri.Blob = [RoutingInfoSize]byte{}
	binary.LittleEndian.PutUint16(ri.Blob[riOffLID:], t.resolve.portLID)
	binary.LittleEndian.PutUint32(ri.Blob[riOffQPN:], t.qp.Num())
	if t.isRoCE() {
		gid := t.resolve.gid
		copy(ri.Blob[riOffGID:], gid[:])
	}
}

// ResolveRemoteRoutingInfo resolves ri's blob into a fabric address handle,
// stored on ri itself. Failure is recoverable: the caller may retry session
// setup with fresh routing info.
func (t *Transport) ResolveRemoteRoutingInfo(ri *RoutingInfo) error {
	qpn := ri.QPN()
	if qpn == 0 || qpn > maxQPN {
		return fmt.Errorf("routing info carries invalid QPN %d", qpn)
	}
	ah, err := t.createAH(ri)
	if err != nil {
		return fmt.Errorf("failed to resolve routing info %s: %w", ri, err)
	}
	ri.ah = ah
	return nil
}

// createAH creates an address handle for the peer described by ri. LID
// routing is used on InfiniBand; GID routing on Ethernet fabrics.
func (t *Transport) createAH(ri *RoutingInfo) (verbs.AddressHandle, error) {
	attr := verbs.AHAttr{
		PortNum: t.resolve.devPortID,
	}
	if t.isRoCE() {
		attr.IsGlobal = true
		attr.DGID = ri.GID()
		attr.SGIDIndex = 0
		attr.HopLimit = 1
	} else {
		attr.DLID = ri.PortLID()
	}
	return t.pd.CreateAH(attr)
}
