package transport

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/fabrpc/fabrpc/internal/verbs"
)

// recvPoster replenishes a span of the circular receive descriptor chain
// starting at ring index first.
type recvPoster interface {
	post(t *Transport, first, num int) error
}

// probeFastRecv asks the driver whether it supports batched receive posting.
// The probe is a receive post with a null descriptor list whose bad-WR slot
// carries a reserved sentinel ID; a patched driver recognizes the sentinel
// and answers with a reserved return code instead of processing the post. An
// unpatched driver rejects (or, worse, accepts) the post with any other
// result, which selects the one-at-a-time fallback.
func (t *Transport) probeFastRecv() {
	probe := verbs.RecvWR{ID: t.probeWrID}
	err := t.qp.PostRecv(&probe)

	var errno verbs.Errno
	if errors.As(err, &errno) && int(errno) == t.probeErrno {
		t.useFastRecv = true
		t.poster = batchedRecvPoster{}
		log.Info().Uint32("qpn", t.qp.Num()).
			Msg("Driver supports batched receive posting")
		return
	}

	t.useFastRecv = false
	t.poster = simpleRecvPoster{}
	log.Warn().Uint32("qpn", t.qp.Num()).
		Msg("Driver lacks batched receive posting, falling back to one-at-a-time posts")
}

// batchedRecvPoster posts the whole span as a single chained work request,
// temporarily breaking the circular chain at the span's tail.
type batchedRecvPoster struct{}

func (batchedRecvPoster) post(t *Transport, first, num int) error {
	last := (first + num - 1) % RQDepth
	t.recvWR[last].Next = nil
	err := t.qp.PostRecv(&t.recvWR[first])
	t.recvWR[last].Next = &t.recvWR[(last+1)%RQDepth]
	return err
}

// simpleRecvPoster posts the span one descriptor at a time. Each descriptor
// is unlinked for the duration of its post so the driver sees a single-WR
// list, then relinked.
type simpleRecvPoster struct{}

func (simpleRecvPoster) post(t *Transport, first, num int) error {
	for i := 0; i < num; i++ {
		idx := (first + i) % RQDepth
		next := t.recvWR[idx].Next
		t.recvWR[idx].Next = nil
		err := t.qp.PostRecv(&t.recvWR[idx])
		t.recvWR[idx].Next = next
		if err != nil {
			return err
		}
	}
	return nil
}
