package transport

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrpc/fabrpc/internal/verbs"
)

func TestParseGRHNative(t *testing.T) {
	grh := make([]byte, GRHBytes)
	grh[0] = 6 << 4
	var src, dst verbs.GID
	src[0], src[15] = 0xfe, 0x11
	dst[0], dst[15] = 0xfe, 0x22
	copy(grh[8:24], src[:])
	copy(grh[24:40], dst[:])

	info, err := ParseGRH(grh)
	require.NoError(t, err)
	assert.Equal(t, src, info.SrcGID)
	assert.Equal(t, dst, info.DstGID)
}

func TestParseGRHIPv4(t *testing.T) {
	grh := make([]byte, GRHBytes)
	grh[0] = 4 << 4

	// Minimal IPv4 header at offset 20: version/IHL, total length, TTL,
	// then source and destination addresses at offsets 12 and 16.
	hdr := grh[20:]
	hdr[0] = 0x45
	binary.BigEndian.PutUint16(hdr[2:], 20)
	hdr[8] = 64
	copy(hdr[12:16], []byte{10, 0, 0, 1})
	copy(hdr[16:20], []byte{10, 0, 0, 2})

	info, err := ParseGRH(grh)
	require.NoError(t, err)

	var wantSrc verbs.GID
	wantSrc[10], wantSrc[11] = 0xff, 0xff
	copy(wantSrc[12:], []byte{10, 0, 0, 1})
	assert.Equal(t, wantSrc, info.SrcGID)
	assert.Equal(t, []byte{10, 0, 0, 2}, info.DstGID[12:16])
}

func TestGRHRegion(t *testing.T) {
	f := newTestFabric()
	tr := newTestTransport(t, f)
	initTestRing(t, tr)

	// Plant a native routing header in front of slot 3's payload and read
	// it back through the completion's payload address.
	payloadAddr := tr.recvWR[3].ID
	region, err := tr.GRHRegion(payloadAddr)
	require.NoError(t, err)
	require.Len(t, region, GRHBytes)

	region[0] = 6 << 4
	var src verbs.GID
	src[0], src[15] = 0xfe, 0x33
	copy(region[8:24], src[:])

	info, err := ParseGRH(region)
	require.NoError(t, err)
	assert.Equal(t, src, info.SrcGID)
}

func TestGRHRegionRejectsForeignAddress(t *testing.T) {
	f := newTestFabric()
	tr := newTestTransport(t, f)

	// Before ring init there is nothing to point into.
	_, err := tr.GRHRegion(0x1000)
	require.Error(t, err)

	initTestRing(t, tr)
	base := uint64(tr.ringExtent.Addr)

	for _, addr := range []uint64{
		base,                         // extent start, not a payload
		base + 65,                    // misaligned
		base + 64 + RQDepth*RecvSize, // one slot past the ring
		tr.recvWR[0].ID + RecvSize/2, // mid-slot
	} {
		_, err := tr.GRHRegion(addr)
		assert.Error(t, err, "address %#x", addr)
	}
}

func TestParseGRHRejectsShortRegion(t *testing.T) {
	_, err := ParseGRH(make([]byte, GRHBytes-1))
	require.Error(t, err)
}

func TestParseGRHRejectsUnknownVersion(t *testing.T) {
	grh := make([]byte, GRHBytes)
	grh[0] = 9 << 4
	_, err := ParseGRH(grh)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown IP version")
}
