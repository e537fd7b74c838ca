//go:build linux && cgo

package verbs

// #cgo LDFLAGS: -libverbs
// #include <stdlib.h>
// #include <string.h>
// #include <infiniband/verbs.h>
//
// // Helper to query port attributes (ibv_query_port is a macro-heavy call)
// static int do_query_port(struct ibv_context *ctx, uint8_t port, struct ibv_port_attr *attr) {
//     return ibv_query_port(ctx, port, attr);
// }
//
// // Helper to fetch phys_port_cnt without exposing ibv_device_attr to Go
// static int do_query_phys_port_cnt(struct ibv_context *ctx, uint8_t *cnt) {
//     struct ibv_device_attr attr;
//     if (ibv_query_device(ctx, &attr)) {
//         return -1;
//     }
//     *cnt = attr.phys_port_cnt;
//     return 0;
// }
//
// // QP state transition helpers. Returning the raw modify ret code.
// static int qp_to_init(struct ibv_qp *qp, uint8_t port, uint32_t qkey) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_INIT;
//     attr.pkey_index = 0;
//     attr.port_num = port;
//     attr.qkey = qkey;
//     return ibv_modify_qp(qp, &attr,
//                          IBV_QP_STATE | IBV_QP_PKEY_INDEX | IBV_QP_PORT | IBV_QP_QKEY);
// }
//
// static int qp_to_rtr(struct ibv_qp *qp) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_RTR;
//     return ibv_modify_qp(qp, &attr, IBV_QP_STATE);
// }
//
// static int qp_to_rts(struct ibv_qp *qp, uint32_t psn) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_RTS;
//     attr.sq_psn = psn;
//     return ibv_modify_qp(qp, &attr, IBV_QP_STATE | IBV_QP_SQ_PSN);
// }
//
// // Posts a chain of n single-SGE recv WRs, staging them in wrs/sges blocks
// // that the queue pair owns for its lifetime. Keeping the WR memory on the
// // C side keeps Go pointers away from the driver and the post path free of
// // allocation.
// static int post_recv_chain(struct ibv_qp *qp, struct ibv_recv_wr *wrs,
//                            struct ibv_sge *sges, int n, uint64_t *wr_ids,
//                            uint64_t *addrs, uint32_t *lens, uint32_t *lkeys) {
//     struct ibv_recv_wr *bad_wr = NULL;
//     int i;
//     for (i = 0; i < n; i++) {
//         sges[i].addr = addrs[i];
//         sges[i].length = lens[i];
//         sges[i].lkey = lkeys[i];
//         wrs[i].wr_id = wr_ids[i];
//         wrs[i].sg_list = &sges[i];
//         wrs[i].num_sge = 1;
//         wrs[i].next = (i + 1 < n) ? &wrs[i + 1] : NULL;
//     }
//     return ibv_post_recv(qp, &wrs[0], &bad_wr);
// }
//
// // Posts a recv WR with a null descriptor list; used for the driver
// // capability probe. The return code is the probe result.
// static int post_recv_probe(struct ibv_qp *qp, uint64_t wr_id) {
//     struct ibv_recv_wr probe_wr;
//     struct ibv_recv_wr *bad_wr = &probe_wr;
//     memset(&probe_wr, 0, sizeof(probe_wr));
//     probe_wr.wr_id = wr_id;
//     return ibv_post_recv(qp, NULL, &bad_wr);
// }
//
// // Posts a chain of n UD SEND_WITH_IMM WRs with up to two SGEs each,
// // staged in the queue pair's persistent wrs/sges blocks. Flattened SGE
// // arrays carry 2 entries per WR; num_sges[i] selects 1 or 2.
// static int post_send_chain(struct ibv_qp *qp, struct ibv_send_wr *wrs,
//                            struct ibv_sge *sges, int n, uint64_t *wr_ids,
//                            uint64_t *addrs, uint32_t *lens, uint32_t *lkeys,
//                            int *num_sges, uint32_t *imms, int *flags,
//                            struct ibv_ah **ahs, uint32_t *qpns, uint32_t *qkeys) {
//     struct ibv_send_wr *bad_wr = NULL;
//     int i, j;
//     for (i = 0; i < n; i++) {
//         for (j = 0; j < num_sges[i]; j++) {
//             sges[i * 2 + j].addr = addrs[i * 2 + j];
//             sges[i * 2 + j].length = lens[i * 2 + j];
//             sges[i * 2 + j].lkey = lkeys[i * 2 + j];
//         }
//         wrs[i].wr_id = wr_ids[i];
//         wrs[i].sg_list = &sges[i * 2];
//         wrs[i].num_sge = num_sges[i];
//         wrs[i].opcode = IBV_WR_SEND_WITH_IMM;
//         wrs[i].imm_data = imms[i];
//         wrs[i].send_flags = (unsigned int)flags[i];
//         wrs[i].wr.ud.ah = ahs[i];
//         wrs[i].wr.ud.remote_qpn = qpns[i];
//         wrs[i].wr.ud.remote_qkey = qkeys[i];
//         wrs[i].next = (i + 1 < n) ? &wrs[i + 1] : NULL;
//     }
//     return ibv_post_send(qp, &wrs[0], &bad_wr);
// }
//
// // Polls up to max completions and flattens the fields Go needs.
// // imm_data sits in an anonymous union inside ibv_wc, which cgo cannot
// // reach from the Go side.
// static int poll_cq_flat(struct ibv_cq *cq, int max, uint64_t *wr_ids,
//                         uint32_t *statuses, uint32_t *byte_lens,
//                         uint32_t *imms, uint32_t *src_qps, int *grhs) {
//     struct ibv_wc wcs[16];
//     int n, i;
//     if (max > 16) {
//         max = 16;
//     }
//     n = ibv_poll_cq(cq, max, wcs);
//     for (i = 0; i < n; i++) {
//         wr_ids[i] = wcs[i].wr_id;
//         statuses[i] = (uint32_t)wcs[i].status;
//         byte_lens[i] = wcs[i].byte_len;
//         imms[i] = wcs[i].imm_data;
//         src_qps[i] = wcs[i].src_qp;
//         grhs[i] = (wcs[i].wc_flags & IBV_WC_GRH) ? 1 : 0;
//     }
//     return n;
// }
//
// // Copies raw GID bytes into an ah_attr's destination GID.
// static void set_ah_dgid(struct ibv_ah_attr *attr, const void *gid) {
//     memcpy(attr->grh.dgid.raw, gid, 16);
// }
import "C"

import (
	"fmt"
	"unsafe"
)

// Native returns the libibverbs-backed provider.
func Native() Provider {
	return &cProvider{}
}

type cProvider struct {
	// Kept until process exit; devices reference entries of this list.
	devList **C.struct_ibv_device
}

func (p *cProvider) Devices() ([]Device, error) {
	var numDevices C.int
	devList := C.ibv_get_device_list(&numDevices)
	if devList == nil {
		return nil, fmt.Errorf("failed to get verbs device list")
	}
	p.devList = devList

	devices := make([]Device, 0, int(numDevices))
	for i := 0; i < int(numDevices); i++ {
		dev := *(**C.struct_ibv_device)(unsafe.Pointer(uintptr(unsafe.Pointer(devList)) + uintptr(i)*unsafe.Sizeof(uintptr(0))))
		if dev == nil {
			continue
		}
		devices = append(devices, &cDevice{dev: dev})
	}
	return devices, nil
}

type cDevice struct {
	dev *C.struct_ibv_device
}

func (d *cDevice) Name() string {
	return C.GoString(C.ibv_get_device_name(d.dev))
}

func (d *cDevice) Open() (Context, error) {
	ctx := C.ibv_open_device(d.dev)
	if ctx == nil {
		return nil, fmt.Errorf("failed to open device %s", d.Name())
	}
	return &cContext{ctx: ctx, name: d.Name()}, nil
}

type cContext struct {
	ctx  *C.struct_ibv_context
	name string
}

func (c *cContext) DeviceName() string { return c.name }

func (c *cContext) QueryDevice() (DeviceAttr, error) {
	var cnt C.uint8_t
	if C.do_query_phys_port_cnt(c.ctx, &cnt) != 0 {
		return DeviceAttr{}, fmt.Errorf("failed to query device attributes for %s", c.name)
	}
	return DeviceAttr{PhysPortCnt: uint8(cnt)}, nil
}

func (c *cContext) QueryPort(port uint8) (PortAttr, error) {
	var attr C.struct_ibv_port_attr
	if C.do_query_port(c.ctx, C.uint8_t(port), &attr) != 0 {
		return PortAttr{}, fmt.Errorf("failed to query port %d on device %s", port, c.name)
	}
	return PortAttr{
		State:     PortState(attr.state),
		LID:       uint16(attr.lid),
		LinkLayer: LinkLayer(attr.link_layer),
		ActiveMTU: mtuEnumToBytes(attr.active_mtu),
	}, nil
}

func (c *cContext) QueryGID(port uint8, index int) (GID, error) {
	var cgid C.union_ibv_gid
	if C.ibv_query_gid(c.ctx, C.uint8_t(port), C.int(index), &cgid) != 0 {
		return GID{}, fmt.Errorf("failed to query GID %d on port %d of device %s", index, port, c.name)
	}
	var gid GID
	copy(gid[:], unsafe.Slice((*byte)(unsafe.Pointer(&cgid)), 16))
	return gid, nil
}

func (c *cContext) AllocPD() (ProtectionDomain, error) {
	pd := C.ibv_alloc_pd(c.ctx)
	if pd == nil {
		return nil, fmt.Errorf("failed to allocate protection domain for device %s", c.name)
	}
	return &cPD{pd: pd}, nil
}

func (c *cContext) CreateCQ(depth int) (CompletionQueue, error) {
	cq := C.ibv_create_cq(c.ctx, C.int(depth), nil, nil, 0)
	if cq == nil {
		return nil, fmt.Errorf("failed to create CQ of depth %d for device %s", depth, c.name)
	}
	return &cCQ{
		cq:       cq,
		ids:      make([]C.uint64_t, pollBatch),
		statuses: make([]C.uint32_t, pollBatch),
		byteLens: make([]C.uint32_t, pollBatch),
		imms:     make([]C.uint32_t, pollBatch),
		srcQPs:   make([]C.uint32_t, pollBatch),
		grhs:     make([]C.int, pollBatch),
	}, nil
}

func (c *cContext) Close() error {
	if C.ibv_close_device(c.ctx) != 0 {
		return fmt.Errorf("failed to close device %s", c.name)
	}
	return nil
}

type cPD struct {
	pd *C.struct_ibv_pd
}

func (p *cPD) CreateQP(attr QPInitAttr) (QueuePair, error) {
	sendCQ, ok := attr.SendCQ.(*cCQ)
	if !ok {
		return nil, fmt.Errorf("send CQ is not a verbs CQ")
	}
	recvCQ, ok := attr.RecvCQ.(*cCQ)
	if !ok {
		return nil, fmt.Errorf("recv CQ is not a verbs CQ")
	}

	var initAttr C.struct_ibv_qp_init_attr
	initAttr.qp_type = C.IBV_QPT_UD
	initAttr.send_cq = sendCQ.cq
	initAttr.recv_cq = recvCQ.cq
	initAttr.cap.max_send_wr = C.uint32_t(attr.MaxSendWR)
	initAttr.cap.max_recv_wr = C.uint32_t(attr.MaxRecvWR)
	initAttr.cap.max_send_sge = C.uint32_t(attr.MaxSendSGE)
	initAttr.cap.max_recv_sge = C.uint32_t(attr.MaxRecvSGE)
	initAttr.cap.max_inline_data = C.uint32_t(attr.MaxInlineData)

	qp := C.ibv_create_qp(p.pd, &initAttr)
	if qp == nil {
		return nil, fmt.Errorf("failed to create UD QP")
	}

	// The WR/SGE staging blocks live for the queue pair's lifetime so the
	// posting paths never allocate.
	q := &cQP{
		qp:      qp,
		recvCap: attr.MaxRecvWR,
		sendCap: attr.MaxSendWR,

		recvWRs:  (*C.struct_ibv_recv_wr)(C.calloc(C.size_t(attr.MaxRecvWR), C.sizeof_struct_ibv_recv_wr)),
		recvSGEs: (*C.struct_ibv_sge)(C.calloc(C.size_t(attr.MaxRecvWR), C.sizeof_struct_ibv_sge)),
		sendWRs:  (*C.struct_ibv_send_wr)(C.calloc(C.size_t(attr.MaxSendWR), C.sizeof_struct_ibv_send_wr)),
		sendSGEs: (*C.struct_ibv_sge)(C.calloc(C.size_t(attr.MaxSendWR)*2, C.sizeof_struct_ibv_sge)),

		recvIDs:   make([]C.uint64_t, attr.MaxRecvWR),
		recvAddrs: make([]C.uint64_t, attr.MaxRecvWR),
		recvLens:  make([]C.uint32_t, attr.MaxRecvWR),
		recvLKeys: make([]C.uint32_t, attr.MaxRecvWR),

		sendIDs:   make([]C.uint64_t, attr.MaxSendWR),
		sendAddrs: make([]C.uint64_t, 2*attr.MaxSendWR),
		sendLens:  make([]C.uint32_t, 2*attr.MaxSendWR),
		sendLKeys: make([]C.uint32_t, 2*attr.MaxSendWR),
		sendNum:   make([]C.int, attr.MaxSendWR),
		sendImms:  make([]C.uint32_t, attr.MaxSendWR),
		sendFlags: make([]C.int, attr.MaxSendWR),
		sendAHs:   make([]*C.struct_ibv_ah, attr.MaxSendWR),
		sendQPNs:  make([]C.uint32_t, attr.MaxSendWR),
		sendQKeys: make([]C.uint32_t, attr.MaxSendWR),
	}
	if q.recvWRs == nil || q.recvSGEs == nil || q.sendWRs == nil || q.sendSGEs == nil {
		q.freeStaging()
		C.ibv_destroy_qp(qp)
		return nil, fmt.Errorf("failed to allocate WR staging for UD QP")
	}
	return q, nil
}

func (p *cPD) RegisterMemory(addr uintptr, length int) (MemoryRegion, error) {
	mr := C.ibv_reg_mr(p.pd, unsafe.Pointer(addr), C.size_t(length), C.IBV_ACCESS_LOCAL_WRITE)
	if mr == nil {
		return nil, fmt.Errorf("failed to register %d bytes at %#x", length, addr)
	}
	return &cMR{mr: mr}, nil
}

func (p *cPD) CreateAH(attr AHAttr) (AddressHandle, error) {
	var ahAttr C.struct_ibv_ah_attr
	if attr.IsGlobal {
		ahAttr.is_global = 1
	}
	ahAttr.dlid = C.uint16_t(attr.DLID)
	ahAttr.sl = 0
	ahAttr.src_path_bits = 0
	ahAttr.port_num = C.uint8_t(attr.PortNum)
	if attr.IsGlobal {
		ahAttr.grh.sgid_index = C.uint8_t(attr.SGIDIndex)
		ahAttr.grh.hop_limit = C.uint8_t(attr.HopLimit)
		C.set_ah_dgid(&ahAttr, unsafe.Pointer(&attr.DGID[0]))
	}

	ah := C.ibv_create_ah(p.pd, &ahAttr)
	if ah == nil {
		return nil, fmt.Errorf("failed to create address handle (lid %d, port %d)", attr.DLID, attr.PortNum)
	}
	return &cAH{ah: ah}, nil
}

func (p *cPD) Dealloc() error {
	if C.ibv_dealloc_pd(p.pd) != 0 {
		return fmt.Errorf("failed to deallocate protection domain")
	}
	return nil
}

type cMR struct {
	mr *C.struct_ibv_mr
}

func (m *cMR) LKey() uint32 { return uint32(m.mr.lkey) }
func (m *cMR) Length() int  { return int(m.mr.length) }

func (m *cMR) Deregister() error {
	if C.ibv_dereg_mr(m.mr) != 0 {
		return fmt.Errorf("failed to deregister memory region")
	}
	return nil
}

// pollBatch bounds a single ibv_poll_cq drain. poll_cq_flat stacks its
// ibv_wc array, so this stays small.
const pollBatch = 16

type cCQ struct {
	cq *C.struct_ibv_cq

	// Poll staging, sized pollBatch at creation. The datapath polls from a
	// single goroutine, so reuse without locking is safe.
	ids      []C.uint64_t
	statuses []C.uint32_t
	byteLens []C.uint32_t
	imms     []C.uint32_t
	srcQPs   []C.uint32_t
	grhs     []C.int
}

func (c *cCQ) Poll(wc []WC) (int, error) {
	if len(wc) == 0 {
		return 0, nil
	}
	max := len(wc)
	if max > pollBatch {
		max = pollBatch
	}

	n := C.poll_cq_flat(c.cq, C.int(max), &c.ids[0], &c.statuses[0], &c.byteLens[0],
		&c.imms[0], &c.srcQPs[0], &c.grhs[0])
	if n < 0 {
		return 0, fmt.Errorf("ibv_poll_cq failed: %d", int(n))
	}
	for i := 0; i < int(n); i++ {
		wc[i] = WC{
			ID:      uint64(c.ids[i]),
			Status:  uint32(c.statuses[i]),
			ByteLen: uint32(c.byteLens[i]),
			Imm:     uint32(c.imms[i]),
			SrcQP:   uint32(c.srcQPs[i]),
			GRH:     c.grhs[i] != 0,
		}
	}
	return int(n), nil
}

func (c *cCQ) Destroy() error {
	if C.ibv_destroy_cq(c.cq) != 0 {
		return fmt.Errorf("failed to destroy CQ")
	}
	return nil
}

type cQP struct {
	qp *C.struct_ibv_qp

	recvCap int
	sendCap int

	// C-side WR/SGE blocks and Go-side staging, allocated once in CreateQP
	// and reused on every post. The send block carries two SGEs per WR
	// (header + payload). Single-goroutine datapath ownership, no locking.
	recvWRs  *C.struct_ibv_recv_wr
	recvSGEs *C.struct_ibv_sge
	sendWRs  *C.struct_ibv_send_wr
	sendSGEs *C.struct_ibv_sge

	recvIDs   []C.uint64_t
	recvAddrs []C.uint64_t
	recvLens  []C.uint32_t
	recvLKeys []C.uint32_t

	sendIDs   []C.uint64_t
	sendAddrs []C.uint64_t
	sendLens  []C.uint32_t
	sendLKeys []C.uint32_t
	sendNum   []C.int
	sendImms  []C.uint32_t
	sendFlags []C.int
	sendAHs   []*C.struct_ibv_ah
	sendQPNs  []C.uint32_t
	sendQKeys []C.uint32_t
}

func (q *cQP) freeStaging() {
	if q.recvWRs != nil {
		C.free(unsafe.Pointer(q.recvWRs))
		q.recvWRs = nil
	}
	if q.recvSGEs != nil {
		C.free(unsafe.Pointer(q.recvSGEs))
		q.recvSGEs = nil
	}
	if q.sendWRs != nil {
		C.free(unsafe.Pointer(q.sendWRs))
		q.sendWRs = nil
	}
	if q.sendSGEs != nil {
		C.free(unsafe.Pointer(q.sendSGEs))
		q.sendSGEs = nil
	}
}

func (q *cQP) Num() uint32 { return uint32(q.qp.qp_num) }

func (q *cQP) ToInit(port uint8, qkey uint32) error {
	if ret := C.qp_to_init(q.qp, C.uint8_t(port), C.uint32_t(qkey)); ret != 0 {
		return fmt.Errorf("failed to modify QP to INIT: %d", int(ret))
	}
	return nil
}

func (q *cQP) ToRTR() error {
	if ret := C.qp_to_rtr(q.qp); ret != 0 {
		return fmt.Errorf("failed to modify QP to RTR: %d", int(ret))
	}
	return nil
}

func (q *cQP) ToRTS(psn uint32) error {
	if ret := C.qp_to_rts(q.qp, C.uint32_t(psn)); ret != 0 {
		return fmt.Errorf("failed to modify QP to RTS: %d", int(ret))
	}
	return nil
}

func (q *cQP) PostRecv(wr *RecvWR) error {
	// A WR with no descriptor list is the driver capability probe.
	if wr != nil && wr.SGL == nil && wr.Next == nil {
		if ret := C.post_recv_probe(q.qp, C.uint64_t(wr.ID)); ret != 0 {
			return Errno(ret)
		}
		return nil
	}

	i := 0
	for w := wr; w != nil; w = w.Next {
		if i >= q.recvCap {
			return fmt.Errorf("recv chain exceeds queue depth %d", q.recvCap)
		}
		if len(w.SGL) != 1 {
			return fmt.Errorf("recv WR %d must carry exactly one SGE, got %d", i, len(w.SGL))
		}
		q.recvIDs[i] = C.uint64_t(w.ID)
		q.recvAddrs[i] = C.uint64_t(w.SGL[0].Addr)
		q.recvLens[i] = C.uint32_t(w.SGL[0].Length)
		q.recvLKeys[i] = C.uint32_t(w.SGL[0].LKey)
		i++
	}
	if i == 0 {
		return nil
	}
	if ret := C.post_recv_chain(q.qp, q.recvWRs, q.recvSGEs, C.int(i),
		&q.recvIDs[0], &q.recvAddrs[0], &q.recvLens[0], &q.recvLKeys[0]); ret != 0 {
		return Errno(ret)
	}
	return nil
}

func (q *cQP) PostSend(wr *SendWR) error {
	i := 0
	for w := wr; w != nil; w = w.Next {
		if i >= q.sendCap {
			return fmt.Errorf("send chain exceeds queue depth %d", q.sendCap)
		}
		if len(w.SGL) < 1 || len(w.SGL) > 2 {
			return fmt.Errorf("send WR %d must carry one or two SGEs, got %d", i, len(w.SGL))
		}
		ah, ok := w.AH.(*cAH)
		if !ok {
			return fmt.Errorf("send WR %d carries a non-verbs address handle", i)
		}
		q.sendIDs[i] = C.uint64_t(w.ID)
		for j, sge := range w.SGL {
			q.sendAddrs[i*2+j] = C.uint64_t(sge.Addr)
			q.sendLens[i*2+j] = C.uint32_t(sge.Length)
			q.sendLKeys[i*2+j] = C.uint32_t(sge.LKey)
		}
		q.sendNum[i] = C.int(len(w.SGL))
		q.sendImms[i] = C.uint32_t(w.Imm)
		var f C.int
		if w.Flags&SendSignaled != 0 {
			f |= C.IBV_SEND_SIGNALED
		}
		if w.Flags&SendInline != 0 {
			f |= C.IBV_SEND_INLINE
		}
		q.sendFlags[i] = f
		q.sendAHs[i] = ah.ah
		q.sendQPNs[i] = C.uint32_t(w.RemoteQPN)
		q.sendQKeys[i] = C.uint32_t(w.RemoteQKey)
		i++
	}
	if i == 0 {
		return nil
	}
	if ret := C.post_send_chain(q.qp, q.sendWRs, q.sendSGEs, C.int(i),
		&q.sendIDs[0], &q.sendAddrs[0], &q.sendLens[0], &q.sendLKeys[0],
		&q.sendNum[0], &q.sendImms[0], &q.sendFlags[0], &q.sendAHs[0],
		&q.sendQPNs[0], &q.sendQKeys[0]); ret != 0 {
		return Errno(ret)
	}
	return nil
}

func (q *cQP) Destroy() error {
	ret := C.ibv_destroy_qp(q.qp)
	q.freeStaging()
	if ret != 0 {
		return fmt.Errorf("failed to destroy QP")
	}
	return nil
}

type cAH struct {
	ah *C.struct_ibv_ah
}

func (a *cAH) Destroy() error {
	if C.ibv_destroy_ah(a.ah) != 0 {
		return fmt.Errorf("failed to destroy address handle")
	}
	return nil
}

// mtuEnumToBytes converts the ibv_mtu enum to bytes.
func mtuEnumToBytes(mtu C.enum_ibv_mtu) int {
	switch mtu {
	case C.IBV_MTU_256:
		return 256
	case C.IBV_MTU_512:
		return 512
	case C.IBV_MTU_1024:
		return 1024
	case C.IBV_MTU_2048:
		return 2048
	case C.IBV_MTU_4096:
		return 4096
	default:
		return 0
	}
}
