// Package sm implements the out-of-band session management channel. Peers
// cannot address each other on the fabric until they hold each other's
// routing blob, so the blobs travel over plain UDP: a responder serves its
// transport's blob, and initiators fetch it with rate-limited retries.
package sm

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"

	"github.com/fabrpc/fabrpc/internal/transport"
)

// Wire format: magic (2 bytes), message type (1 byte), RPC ID (1 byte),
// routing blob.
const (
	wireMagic uint16 = 0x4652 // "FR"

	msgRequest  byte = 1
	msgResponse byte = 2

	headerSize = 4
	packetSize = headerSize + transport.RoutingInfoSize

	readTimeout = 200 * time.Millisecond
)

// Peer is a routing blob learned from the wire, tagged with the sender's
// RPC ID.
type Peer struct {
	RPCID uint8
	Info  transport.RoutingInfo
}

func encode(buf []byte, msgType, rpcID byte, ri *transport.RoutingInfo) {
	buf[0] = byte(wireMagic >> 8)
	buf[1] = byte(wireMagic & 0xff)
	buf[2] = msgType
	buf[3] = rpcID
	copy(buf[headerSize:], ri.Blob[:])
}

func decode(buf []byte) (msgType byte, peer Peer, err error) {
	if len(buf) != packetSize {
		return 0, Peer{}, fmt.Errorf("short session packet: %d bytes", len(buf))
	}
	if uint16(buf[0])<<8|uint16(buf[1]) != wireMagic {
		return 0, Peer{}, fmt.Errorf("bad session packet magic %x%x", buf[0], buf[1])
	}
	peer.RPCID = buf[3]
	copy(peer.Info.Blob[:], buf[headerSize:])
	return buf[2], peer, nil
}

// Responder answers routing requests with the local transport's blob. It
// also reports each requester's blob on the Peers channel, so a server
// learns its clients without a second round trip.
type Responder struct {
	conn  *net.UDPConn
	rpcID uint8
	local transport.RoutingInfo

	// Peers receives the routing blob of every requester. The channel is
	// buffered; blobs are dropped, not blocked on, when it fills.
	Peers chan Peer
}

// NewResponder binds a UDP socket on addr and snapshots the transport's
// local routing blob.
func NewResponder(addr string, t *transport.Transport) (*Responder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session address %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind session socket: %w", err)
	}

	r := &Responder{
		conn:  conn,
		rpcID: t.RPCID(),
		Peers: make(chan Peer, 64),
	}
	t.FillLocalRoutingInfo(&r.local)

	log.Info().Str("addr", conn.LocalAddr().String()).Msg("Session responder listening")
	return r, nil
}

// Addr returns the bound socket address.
func (r *Responder) Addr() string { return r.conn.LocalAddr().String() }

// Serve answers requests until ctx is canceled. Malformed packets are
// logged and dropped.
func (r *Responder) Serve(ctx context.Context) error {
	var in [packetSize + 1]byte
	var out [packetSize]byte
	encode(out[:], msgResponse, r.rpcID, &r.local)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = r.conn.SetReadDeadline(time.Now().Add(readTimeout))

		n, from, err := r.conn.ReadFromUDP(in[:])
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("session socket read failed: %w", err)
		}

		msgType, peer, err := decode(in[:n])
		if err != nil {
			log.Warn().Err(err).Str("from", from.String()).Msg("Dropping malformed session packet")
			continue
		}
		if msgType != msgRequest {
			continue
		}

		select {
		case r.Peers <- peer:
		default:
		}

		if _, err := r.conn.WriteToUDP(out[:], from); err != nil {
			log.Warn().Err(err).Str("to", from.String()).Msg("Failed to send session response")
		}
	}
}

// Close releases the socket. Serve returns after its current read times out.
func (r *Responder) Close() error { return r.conn.Close() }

// Fetch requests remoteAddr's routing blob, identifying itself with the
// local transport's blob. Retries are paced by limiter and continue until a
// response arrives or ctx is done. The returned routing info is unresolved;
// the caller passes it to ResolveRemoteRoutingInfo.
func Fetch(ctx context.Context, remoteAddr string, t *transport.Transport, limiter ratelimit.Limiter) (*Peer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session address %s: %w", remoteAddr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial session socket: %w", err)
	}
	defer conn.Close()

	var local transport.RoutingInfo
	t.FillLocalRoutingInfo(&local)

	var out [packetSize]byte
	encode(out[:], msgRequest, t.RPCID(), &local)

	var in [packetSize + 1]byte
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("giving up on %s after %d attempts: %w", remoteAddr, attempt, err)
		}
		limiter.Take()

		if _, err := conn.Write(out[:]); err != nil {
			return nil, fmt.Errorf("failed to send session request: %w", err)
		}

		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := conn.Read(in[:])
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Debug().Str("peer", remoteAddr).Int("attempt", attempt+1).
					Msg("Session request timed out, retrying")
				continue
			}
			return nil, fmt.Errorf("session socket read failed: %w", err)
		}

		msgType, peer, err := decode(in[:n])
		if err != nil || msgType != msgResponse {
			continue
		}
		return &peer, nil
	}
}
