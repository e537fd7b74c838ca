// Package verbstest provides an in-memory verbs provider for tests. Devices,
// ports, and failure modes are scripted by the test; every resource records
// its lifecycle calls in the fabric's log so teardown ordering is checkable.
package verbstest

import (
	"fmt"
	"sync"

	"github.com/fabrpc/fabrpc/internal/verbs"
)

// QP lifecycle states mirrored by the fake.
const (
	qpReset = iota
	qpInit
	qpRTR
	qpRTS
	qpDestroyed
)

// Fabric is a scripted verbs.Provider.
type Fabric struct {
	mu   sync.Mutex
	devs []*Device

	// ProbeErrno is returned for sentinel recv posts (nil SGL). Zero means
	// the probe WR is accepted like a normal post.
	ProbeErrno int

	// PostedRecvs counts recv WRs accepted across all QPs.
	PostedRecvs int
	// PostedSends counts send WRs accepted across all QPs.
	PostedSends int

	// ProbeIDs records the WR IDs of sentinel posts.
	ProbeIDs []uint64

	// Created resources in creation order, for white-box assertions.
	PDs []*PD
	CQs []*CQ
	QPs []*QP
	AHs []*AH

	log []string

	nextQPN  uint32
	nextLKey uint32
}

// NewFabric creates a fabric over the given devices.
func NewFabric(devs ...*Device) *Fabric {
	f := &Fabric{devs: devs, nextQPN: 100, nextLKey: 7}
	for _, d := range devs {
		d.fabric = f
	}
	return f
}

func (f *Fabric) Devices() ([]verbs.Device, error) {
	out := make([]verbs.Device, len(f.devs))
	for i, d := range f.devs {
		out[i] = d
	}
	return out, nil
}

// Log returns the ordered lifecycle calls recorded so far.
func (f *Fabric) Log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

func (f *Fabric) record(ev string) {
	f.mu.Lock()
	f.log = append(f.log, ev)
	f.mu.Unlock()
}

// Device is one scripted fabric device.
type Device struct {
	DevName string
	// Ports maps 1-based physical port numbers to their attributes.
	Ports map[uint8]verbs.PortAttr
	// GIDs maps port numbers to the GID at index 0.
	GIDs map[uint8]verbs.GID

	OpenErr      error
	QueryPortErr error

	OpenCount  int
	CloseCount int

	fabric *Fabric
}

// ActivePort builds a port attribute record for an active InfiniBand port.
func ActivePort(lid uint16, mtu int) verbs.PortAttr {
	return verbs.PortAttr{
		State:     verbs.PortActive,
		LID:       lid,
		LinkLayer: verbs.LinkLayerInfiniBand,
		ActiveMTU: mtu,
	}
}

// DownPort builds a port attribute record for a down port.
func DownPort() verbs.PortAttr {
	return verbs.PortAttr{State: verbs.PortDown}
}

func (d *Device) Name() string { return d.DevName }

func (d *Device) Open() (verbs.Context, error) {
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	d.OpenCount++
	return &Context{dev: d}, nil
}

// Context is an open fake device context.
type Context struct {
	dev    *Device
	closed bool
}

func (c *Context) DeviceName() string { return c.dev.DevName }

func (c *Context) QueryDevice() (verbs.DeviceAttr, error) {
	var max uint8
	for p := range c.dev.Ports {
		if p > max {
			max = p
		}
	}
	return verbs.DeviceAttr{PhysPortCnt: max}, nil
}

func (c *Context) QueryPort(port uint8) (verbs.PortAttr, error) {
	if c.dev.QueryPortErr != nil {
		return verbs.PortAttr{}, c.dev.QueryPortErr
	}
	attr, ok := c.dev.Ports[port]
	if !ok {
		return verbs.PortAttr{}, fmt.Errorf("no port %d on device %s", port, c.dev.DevName)
	}
	return attr, nil
}

func (c *Context) QueryGID(port uint8, index int) (verbs.GID, error) {
	if index != 0 {
		return verbs.GID{}, fmt.Errorf("fake fabric only scripts GID index 0")
	}
	return c.dev.GIDs[port], nil
}

func (c *Context) AllocPD() (verbs.ProtectionDomain, error) {
	pd := &PD{fabric: c.dev.fabric}
	c.dev.fabric.PDs = append(c.dev.fabric.PDs, pd)
	return pd, nil
}

func (c *Context) CreateCQ(depth int) (verbs.CompletionQueue, error) {
	cq := &CQ{fabric: c.dev.fabric, Depth: depth, index: c.dev.fabric.cqIndex()}
	c.dev.fabric.CQs = append(c.dev.fabric.CQs, cq)
	return cq, nil
}

func (c *Context) Close() error {
	if c.closed {
		return fmt.Errorf("device %s closed twice", c.dev.DevName)
	}
	c.closed = true
	c.dev.CloseCount++
	c.dev.fabric.record("ctx.close")
	return nil
}

func (f *Fabric) cqIndex() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.log {
		if ev == "cq.create" {
			n++
		}
	}
	f.log = append(f.log, "cq.create")
	return n
}

// PD is a fake protection domain.
type PD struct {
	fabric    *Fabric
	dealloced bool

	// FailNextAH makes the next CreateAH call fail.
	FailNextAH bool

	// Registrations tracks live memory registrations.
	Registrations int
}

func (p *PD) CreateQP(attr verbs.QPInitAttr) (verbs.QueuePair, error) {
	if attr.SendCQ == nil || attr.RecvCQ == nil {
		return nil, fmt.Errorf("QP requires send and recv CQs")
	}
	p.fabric.mu.Lock()
	qpn := p.fabric.nextQPN
	p.fabric.nextQPN++
	p.fabric.mu.Unlock()
	qp := &QP{fabric: p.fabric, qpn: qpn, state: qpReset, attr: attr}
	p.fabric.QPs = append(p.fabric.QPs, qp)
	return qp, nil
}

func (p *PD) RegisterMemory(addr uintptr, length int) (verbs.MemoryRegion, error) {
	if length <= 0 {
		return nil, fmt.Errorf("cannot register %d bytes", length)
	}
	p.fabric.mu.Lock()
	lkey := p.fabric.nextLKey
	p.fabric.nextLKey++
	p.fabric.mu.Unlock()
	p.Registrations++
	p.fabric.record("mr.register")
	return &MR{pd: p, lkey: lkey, length: length}, nil
}

func (p *PD) CreateAH(attr verbs.AHAttr) (verbs.AddressHandle, error) {
	if p.FailNextAH {
		p.FailNextAH = false
		return nil, fmt.Errorf("scripted AH creation failure")
	}
	if !attr.IsGlobal && attr.DLID == 0 {
		return nil, fmt.Errorf("cannot create AH without DLID or GID")
	}
	ah := &AH{fabric: p.fabric, Attr: attr}
	p.fabric.AHs = append(p.fabric.AHs, ah)
	return ah, nil
}

func (p *PD) Dealloc() error {
	if p.dealloced {
		return fmt.Errorf("protection domain deallocated twice")
	}
	if p.Registrations != 0 {
		return fmt.Errorf("protection domain still holds %d registrations", p.Registrations)
	}
	p.dealloced = true
	p.fabric.record("pd.dealloc")
	return nil
}

// MR is a fake memory registration.
type MR struct {
	pd     *PD
	lkey   uint32
	length int
}

func (m *MR) LKey() uint32 { return m.lkey }
func (m *MR) Length() int  { return m.length }

func (m *MR) Deregister() error {
	m.pd.Registrations--
	m.pd.fabric.record("mr.deregister")
	return nil
}

// CQ is a fake completion queue.
type CQ struct {
	fabric *Fabric
	Depth  int
	index  int

	mu        sync.Mutex
	pending   []verbs.WC
	destroyed bool
}

// Push queues a completion for the next Poll.
func (c *CQ) Push(wc verbs.WC) {
	c.mu.Lock()
	c.pending = append(c.pending, wc)
	c.mu.Unlock()
}

func (c *CQ) Poll(wc []verbs.WC) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return 0, fmt.Errorf("poll on destroyed CQ")
	}
	n := copy(wc, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *CQ) Destroy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return fmt.Errorf("CQ destroyed twice")
	}
	c.destroyed = true
	c.fabric.record(fmt.Sprintf("cq.destroy[%d]", c.index))
	return nil
}

// QP is a fake queue pair with an enforced UD state machine.
type QP struct {
	fabric *Fabric
	qpn    uint32
	state  int
	attr   verbs.QPInitAttr

	// Recvs holds every recv WR accepted, in post order.
	Recvs []verbs.RecvWR
	// Sends holds every send WR accepted, in post order.
	Sends []verbs.SendWR

	// FailPosts makes every subsequent post fail with EINVAL-ish code 22.
	FailPosts bool
}

func (q *QP) Num() uint32 { return q.qpn }

func (q *QP) ToInit(port uint8, qkey uint32) error {
	if q.state != qpReset {
		return fmt.Errorf("INIT transition from state %d", q.state)
	}
	if port == 0 {
		return fmt.Errorf("INIT requires a 1-based port")
	}
	q.state = qpInit
	return nil
}

func (q *QP) ToRTR() error {
	if q.state != qpInit {
		return fmt.Errorf("RTR transition from state %d", q.state)
	}
	q.state = qpRTR
	return nil
}

func (q *QP) ToRTS(psn uint32) error {
	if q.state != qpRTR {
		return fmt.Errorf("RTS transition from state %d", q.state)
	}
	q.state = qpRTS
	return nil
}

func (q *QP) PostRecv(wr *verbs.RecvWR) error {
	if q.state != qpRTS {
		return fmt.Errorf("recv posted in state %d", q.state)
	}
	if q.FailPosts {
		return verbs.Errno(22)
	}
	// Sentinel probe: null descriptor list.
	if wr != nil && wr.SGL == nil && wr.Next == nil {
		q.fabric.mu.Lock()
		q.fabric.ProbeIDs = append(q.fabric.ProbeIDs, wr.ID)
		ret := q.fabric.ProbeErrno
		q.fabric.mu.Unlock()
		if ret != 0 {
			return verbs.Errno(ret)
		}
		return nil
	}
	for w := wr; w != nil; w = w.Next {
		cp := *w
		cp.Next = nil
		q.Recvs = append(q.Recvs, cp)
		q.fabric.mu.Lock()
		q.fabric.PostedRecvs++
		q.fabric.mu.Unlock()
	}
	return nil
}

func (q *QP) PostSend(wr *verbs.SendWR) error {
	if q.state != qpRTS {
		return fmt.Errorf("send posted in state %d", q.state)
	}
	if q.FailPosts {
		return verbs.Errno(22)
	}
	for w := wr; w != nil; w = w.Next {
		if w.AH == nil {
			return fmt.Errorf("send WR without address handle")
		}
		cp := *w
		cp.Next = nil
		q.Sends = append(q.Sends, cp)
		q.fabric.mu.Lock()
		q.fabric.PostedSends++
		q.fabric.mu.Unlock()
	}
	return nil
}

func (q *QP) Destroy() error {
	if q.state == qpDestroyed {
		return fmt.Errorf("QP destroyed twice")
	}
	q.state = qpDestroyed
	q.fabric.record("qp.destroy")
	return nil
}

// AH is a fake address handle.
type AH struct {
	fabric *Fabric
	Attr   verbs.AHAttr
}

func (a *AH) Destroy() error {
	a.fabric.record("ah.destroy")
	return nil
}
