// Package networkio owns the raw UDP socket or TCP stream a session
// runs over (spec.md §4.C, "Transport Carrier"): for TCP it prepends a
// 2-byte length to every session packet, for UDP each datagram is one
// packet. It exposes only non-blocking, synchronous primitives —
// enqueue/drain/poll/wait — so the rest of the engine never needs a
// reader goroutine.
//
// Grounded on the teacher's vpn/transport.go (readPacketFromTCP,
// readPacketFromUDP, the tcp/udp branch in readPacket) and
// internal/networkio/closeonce.go (the close-once net.Conn wrapper,
// reused here unchanged).
package networkio

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"
)

// Protocol selects the carrier's framing.
type Protocol int

const (
	UDP Protocol = iota
	TCP
)

// ErrTransportClosed indicates the underlying conn hit EOF or was reset.
var ErrTransportClosed = errors.New("networkio: transport closed")

// ErrQueueFull indicates enqueue_outgoing silently dropped a packet
// because the outgoing queue was saturated (spec.md §4.C: "drops when
// full are silent (reliability layer will retransmit)").
var ErrQueueFull = errors.New("networkio: outgoing queue full")

const defaultQueueDepth = 64

// maxUDPDatagram bounds a single UDP read, matching the teacher's
// readPacketFromUDP buffer size.
const maxUDPDatagram = 1 << 17

// Carrier owns one net.Conn and frames session packets over it.
// It is not safe for concurrent use: every method is meant to be
// called from the single-threaded driver loop.
type Carrier struct {
	conn     *closeOnceConn
	protocol Protocol
	outQueue [][]byte
	maxQueue int

	// tcpBuf accumulates bytes across calls so a partial length-prefixed
	// record tail survives to the next PollIncoming (spec.md §4.C: "A
	// partial tail is preserved across calls.").
	tcpBuf []byte

	// pendingUDP holds complete datagrams read by WaitReadable before
	// PollIncoming had a chance to claim them.
	pendingUDP [][]byte
}

// NewCarrier wraps conn for framed session-packet I/O. protocol is
// normally derived from conn.LocalAddr().Network(), mirroring the
// teacher's own dispatch in readPacket.
func NewCarrier(conn net.Conn, protocol Protocol) *Carrier {
	return &Carrier{
		conn:     newCloseOnceConn(conn),
		protocol: protocol,
		maxQueue: defaultQueueDepth,
	}
}

// ProtocolFromNetwork maps a net.Addr.Network() string to a Protocol,
// the same switch the teacher's readPacket performs inline.
func ProtocolFromNetwork(network string) (Protocol, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
		return TCP, nil
	case "udp", "udp4", "udp6":
		return UDP, nil
	default:
		return 0, errors.New("networkio: unsupported network " + network)
	}
}

// EnqueueOutgoing appends a fully-framed session packet to the
// outgoing queue. It never blocks; if the queue is saturated the
// packet is dropped and ErrQueueFull is returned (the caller may log
// it, but must not treat it as fatal: the reliability layer above
// will retransmit).
func (c *Carrier) EnqueueOutgoing(packet []byte) error {
	if len(c.outQueue) >= c.maxQueue {
		return ErrQueueFull
	}
	cp := append([]byte(nil), packet...)
	c.outQueue = append(c.outQueue, cp)
	return nil
}

// DrainToSocket writes every queued packet to the wire, applying the
// TCP length prefix when needed, respecting deadline.
func (c *Carrier) DrainToSocket(deadline time.Time) error {
	if !deadline.IsZero() {
		if err := c.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	for len(c.outQueue) > 0 {
		pkt := c.outQueue[0]
		if err := c.writeOne(pkt); err != nil {
			return err
		}
		c.outQueue = c.outQueue[1:]
	}
	return nil
}

func (c *Carrier) writeOne(pkt []byte) error {
	if c.protocol == TCP {
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(pkt)))
		if _, err := c.conn.Write(lenBuf[:]); err != nil {
			return mapCloseErr(err)
		}
	}
	_, err := c.conn.Write(pkt)
	return mapCloseErr(err)
}

// PollIncoming attempts a single non-blocking read and returns at most
// one complete session packet. ok is false when no complete packet is
// available yet (not an error: either nothing arrived, or a TCP
// record is still incomplete).
func (c *Carrier) PollIncoming() (payload []byte, ok bool, err error) {
	if c.protocol == UDP && len(c.pendingUDP) > 0 {
		payload, c.pendingUDP = c.pendingUDP[0], c.pendingUDP[1:]
		return payload, true, nil
	}

	// A read deadline one millisecond ahead turns the next Read into a
	// short poll: it returns os.ErrDeadlineExceeded if nothing arrives
	// in that time, or the available bytes otherwise. A deadline that
	// has already passed would fail the Read before it looks for data.
	if err := c.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return nil, false, err
	}
	defer c.conn.SetReadDeadline(time.Time{})

	if c.protocol == UDP {
		buf := make([]byte, maxUDPDatagram)
		n, err := c.conn.Read(buf)
		if err != nil {
			if isTimeout(err) {
				return nil, false, nil
			}
			return nil, false, mapCloseErr(err)
		}
		return buf[:n], true, nil
	}
	return c.pollTCP()
}

func (c *Carrier) pollTCP() ([]byte, bool, error) {
	buf := make([]byte, 4096)
	n, err := c.conn.Read(buf)
	if err != nil && !isTimeout(err) {
		return nil, false, mapCloseErr(err)
	}
	if n > 0 {
		c.tcpBuf = append(c.tcpBuf, buf[:n]...)
	}
	if len(c.tcpBuf) < 2 {
		return nil, false, nil
	}
	length := int(binary.BigEndian.Uint16(c.tcpBuf[:2]))
	if len(c.tcpBuf) < 2+length {
		return nil, false, nil
	}
	record := append([]byte(nil), c.tcpBuf[2:2+length]...)
	c.tcpBuf = c.tcpBuf[2+length:]
	return record, true, nil
}

// WaitReadable blocks until the underlying conn has data to read, or
// ctx is done, without spawning a goroutine: it performs real,
// bounded-deadline reads in a loop, re-checking ctx between attempts.
// Any bytes it reads are not discarded — they are queued (pendingUDP
// for UDP, tcpBuf for TCP) so the next PollIncoming sees them.
func (c *Carrier) WaitReadable(ctx context.Context) error {
	const pollInterval = 50 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return err
		}
		if c.protocol == UDP {
			buf := make([]byte, maxUDPDatagram)
			n, err := c.conn.Read(buf)
			if err == nil {
				c.pendingUDP = append(c.pendingUDP, buf[:n])
				return nil
			}
			if isTimeout(err) {
				continue
			}
			return mapCloseErr(err)
		}
		buf := make([]byte, 4096)
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.tcpBuf = append(c.tcpBuf, buf[:n]...)
			return nil
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return mapCloseErr(err)
		}
	}
}

// Close closes the underlying conn exactly once.
func (c *Carrier) Close() error {
	return c.conn.Close()
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func mapCloseErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return ErrTransportClosed
	}
	return err
}
