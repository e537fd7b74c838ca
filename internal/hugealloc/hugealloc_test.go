package hugealloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrpc/fabrpc/internal/verbs"
)

// recordingRegistrar hands out fake memory regions and tracks lifecycle
// calls.
type recordingRegistrar struct {
	nextLKey   uint32
	registered int
	failNext   bool
}

type fakeMR struct {
	lkey   uint32
	length int
	reg    *recordingRegistrar
}

func (m *fakeMR) LKey() uint32 { return m.lkey }
func (m *fakeMR) Length() int  { return m.length }
func (m *fakeMR) Deregister() error {
	m.reg.registered--
	return nil
}

func (r *recordingRegistrar) Register(addr uintptr, length int) (verbs.MemoryRegion, error) {
	if r.failNext {
		r.failNext = false
		return nil, assert.AnError
	}
	r.nextLKey++
	r.registered++
	return &fakeMR{lkey: r.nextLKey, length: length, reg: r}, nil
}

func (r *recordingRegistrar) Deregister(mr verbs.MemoryRegion) error {
	return mr.Deregister()
}

func TestAllocRoundsToHugepage(t *testing.T) {
	reg := &recordingRegistrar{}
	a := New(0, reg)
	defer a.Close()

	buf, err := a.Alloc(HugepageSize + 1)
	require.NoError(t, err)

	assert.Equal(t, 2*HugepageSize, buf.Length)
	assert.NotZero(t, buf.Addr)
	assert.NotZero(t, buf.LKey)
	assert.Equal(t, 2*HugepageSize, a.TotalMapped())
	assert.Equal(t, 1, reg.registered)
}

func TestAllocRejectsBadSize(t *testing.T) {
	a := New(0, &recordingRegistrar{})
	_, err := a.Alloc(0)
	require.Error(t, err)
	_, err = a.Alloc(-4096)
	require.Error(t, err)
}

func TestAllocExtentIsUsable(t *testing.T) {
	reg := &recordingRegistrar{}
	a := New(1, reg)
	defer a.Close()

	buf, err := a.Alloc(HugepageSize)
	require.NoError(t, err)
	assert.Equal(t, 1, a.NumaNode())

	// The mapping must be writable end to end.
	b := unsafe.Slice((*byte)(unsafe.Pointer(buf.Addr)), buf.Length)
	b[0] = 0xab
	b[len(b)-1] = 0xcd
	assert.Equal(t, byte(0xab), b[0])
	assert.Equal(t, byte(0xcd), b[len(b)-1])
}

func TestRegistrationFailureUnmaps(t *testing.T) {
	reg := &recordingRegistrar{failNext: true}
	a := New(0, reg)

	_, err := a.Alloc(HugepageSize)
	require.Error(t, err)
	assert.Zero(t, a.TotalMapped())
	assert.Zero(t, reg.registered)
}

func TestCloseDeregistersEverything(t *testing.T) {
	reg := &recordingRegistrar{}
	a := New(0, reg)

	_, err := a.Alloc(HugepageSize)
	require.NoError(t, err)
	_, err = a.Alloc(HugepageSize)
	require.NoError(t, err)
	require.Equal(t, 2, reg.registered)

	require.NoError(t, a.Close())
	assert.Zero(t, reg.registered)
	assert.Zero(t, a.TotalMapped())
}
