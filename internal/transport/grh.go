package transport

import (
	"fmt"
	"unsafe"

	"golang.org/x/net/ipv4"

	"github.com/fabrpc/fabrpc/internal/verbs"
)

// GRHInfo is the sender addressing recovered from a datagram's global
// routing header.
type GRHInfo struct {
	SrcGID verbs.GID
	DstGID verbs.GID
}

// ParseGRH decodes the 40-byte global routing header that precedes every UD
// payload in a receive slot. RoCEv2 devices scribble an IPv4 or IPv6 header
// into the GRH region depending on the traffic class; both forms carry the
// peer addresses this returns. The slice must be the full GRHBytes region.
func ParseGRH(grh []byte) (GRHInfo, error) {
	if len(grh) < GRHBytes {
		return GRHInfo{}, fmt.Errorf("GRH region is %d bytes, want %d", len(grh), GRHBytes)
	}

	var info GRHInfo
	switch version := grh[0] >> 4; version {
	case 6:
		// Native GRH layout: SGID at bytes 8-23, DGID at bytes 24-39.
		copy(info.SrcGID[:], grh[8:24])
		copy(info.DstGID[:], grh[24:40])
		return info, nil
	case 4:
		// RoCEv2 IPv4 traffic leaves an IPv4 header right-aligned in the
		// GRH region, at offset 20.
		hdr, err := ipv4.ParseHeader(grh[20:40])
		if err != nil {
			return GRHInfo{}, fmt.Errorf("failed to parse IPv4 header in GRH region: %w", err)
		}
		src, dst := hdr.Src.To4(), hdr.Dst.To4()
		if src == nil || dst == nil {
			return GRHInfo{}, fmt.Errorf("IPv4 header in GRH region has non-IPv4 addresses")
		}
		info.SrcGID = mappedGID(src)
		info.DstGID = mappedGID(dst)
		return info, nil
	default:
		return GRHInfo{}, fmt.Errorf("unknown IP version %d in GRH region", version)
	}
}

// GRHRegion returns the 40-byte routing-header view that precedes the
// payload at payloadAddr, which must be a slot payload address as reported
// in a receive completion's ID. Pair it with ParseGRH to recover the sender
// addressing of a datagram whose completion carried a GRH.
func (t *Transport) GRHRegion(payloadAddr uint64) ([]byte, error) {
	if t.hugeAlloc == nil {
		return nil, fmt.Errorf("receive ring is not initialized")
	}
	base := uint64(t.ringExtent.Addr)
	// Slot i's payload starts 64 bytes into the slot, after the dead
	// prefix and the GRH.
	if payloadAddr < base+64 || (payloadAddr-base-64)%RecvSize != 0 {
		return nil, fmt.Errorf("address %#x is not a ring payload address", payloadAddr)
	}
	if slot := (payloadAddr - base - 64) / RecvSize; slot >= RQDepth {
		return nil, fmt.Errorf("address %#x is past the ring extent", payloadAddr)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(payloadAddr-GRHBytes))), GRHBytes), nil
}

// mappedGID builds the IPv4-mapped IPv6 form RoCE uses as a GID.
func mappedGID(ip []byte) verbs.GID {
	var gid verbs.GID
	gid[10], gid[11] = 0xff, 0xff
	copy(gid[12:], ip[:4])
	return gid
}
