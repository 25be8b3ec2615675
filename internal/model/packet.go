// Package model holds the vocabulary shared by every layer of the
// protocol engine: the wire packet/opcode/session-id/packet-id types
// (spec component B, "Session Packet Envelope"), plus the small set of
// interfaces (Logger, HandshakeTracer, Config) that let the lower
// layers stay free of any direct dependency on logging or CLI
// concerns. Grounded on the teacher's internal/session/manager.go,
// which already imports and uses exactly this vocabulary
// (model.Packet, model.Opcode, model.PacketID, model.SessionID,
// model.NewPacket, model.P_ACK_V1, model.P_CONTROL_HARD_RESET_CLIENT_V2).
package model

import (
	"errors"
	"fmt"

	"github.com/quietpath/ovpncore/internal/bytesx"
)

// Opcode identifies the kind of a session packet. Only the low 5 bits
// are significant; it is packed together with a 3-bit key id into the
// first byte of every packet on the wire.
type Opcode uint8

// Opcodes defined by the OpenVPN wire protocol that this engine speaks.
const (
	P_CONTROL_V1                   Opcode = 0x04
	P_ACK_V1                       Opcode = 0x05
	P_DATA_V1                      Opcode = 0x06
	P_CONTROL_HARD_RESET_CLIENT_V2 Opcode = 0x07
	P_CONTROL_HARD_RESET_SERVER_V2 Opcode = 0x08
	P_DATA_V2                      Opcode = 0x09
)

func (o Opcode) String() string {
	switch o {
	case P_CONTROL_V1:
		return "P_CONTROL_V1"
	case P_ACK_V1:
		return "P_ACK_V1"
	case P_DATA_V1:
		return "P_DATA_V1"
	case P_CONTROL_HARD_RESET_CLIENT_V2:
		return "P_CONTROL_HARD_RESET_CLIENT_V2"
	case P_CONTROL_HARD_RESET_SERVER_V2:
		return "P_CONTROL_HARD_RESET_SERVER_V2"
	case P_DATA_V2:
		return "P_DATA_V2"
	default:
		return fmt.Sprintf("Opcode(%d)", uint8(o))
	}
}

// IsControl returns whether this opcode belongs to the reliable control
// channel (i.e. it is subject to the ARQ in reliabletransport).
func (o Opcode) IsControl() bool {
	switch o {
	case P_CONTROL_V1, P_CONTROL_HARD_RESET_CLIENT_V2, P_CONTROL_HARD_RESET_SERVER_V2:
		return true
	}
	return false
}

// IsACK returns whether this opcode is the dedicated, payload-less ACK
// packet type.
func (o Opcode) IsACK() bool {
	return o == P_ACK_V1
}

// IsData returns whether this opcode carries encrypted tunnel payload.
func (o Opcode) IsData() bool {
	return o == P_DATA_V1 || o == P_DATA_V2
}

// hasSessionID reports whether this opcode's wire layout includes the
// 8-byte session id / ACK vector prefix (every non-data opcode).
func (o Opcode) hasSessionID() bool {
	return !o.IsData()
}

// PacketID is a monotonic counter: a control message-id or a data-plane
// packet-id, depending on context. It never wraps within a session.
type PacketID uint32

// SessionID is the 64-bit random identifier chosen once per session.
type SessionID [8]byte

// PackOpcodeKeyID combines an opcode and a 3-bit key id into the single
// prefix byte every session packet starts with: opcode in the top 5
// bits, key id in the low 3, MSB-first.
func PackOpcodeKeyID(opcode Opcode, keyID uint8) byte {
	return byte(opcode)<<3 | (keyID & 0x07)
}

// UnpackOpcodeKeyID splits a prefix byte back into opcode and key id.
func UnpackOpcodeKeyID(b byte) (Opcode, uint8) {
	return Opcode(b >> 3), b & 0x07
}

// Packet is the common representation of every session packet: a
// header (opcode, key id, session ids, ACK vector, message/packet id)
// plus a payload. Payload is borrowed from the buffer it was parsed
// from and is only valid until the next Receive call on that buffer;
// callers that need to retain it must Clone the packet first.
type Packet struct {
	Opcode Opcode
	KeyID  uint8

	// PeerID is only meaningful for P_DATA_V2.
	PeerID [3]byte

	LocalSessionID  SessionID
	HasRemoteID     bool
	RemoteSessionID SessionID

	ACKs []PacketID

	// ID is the control message-id (for control opcodes) or the data
	// packet-id (for data opcodes). It is not serialized for P_ACK_V1,
	// which carries no message-id of its own.
	ID PacketID

	Payload []byte
}

// NewPacket builds a Packet with the given opcode, key id and payload;
// every other field is left at its zero value for the caller to fill.
func NewPacket(opcode Opcode, keyID uint8, payload []byte) *Packet {
	return &Packet{
		Opcode:  opcode,
		KeyID:   keyID,
		Payload: payload,
	}
}

// Clone returns a Packet whose Payload is a private copy, safe to keep
// past the lifetime of the buffer the original was parsed from.
func (p *Packet) Clone() *Packet {
	cp := *p
	if p.Payload != nil {
		cp.Payload = append([]byte(nil), p.Payload...)
	}
	if p.ACKs != nil {
		cp.ACKs = append([]PacketID(nil), p.ACKs...)
	}
	return &cp
}

// maxACKsPerPacket is the number of message-ids that fit in one
// piggy-backed ACK vector (spec §4.D: "up to 8 pending ack ids").
const maxACKsPerPacket = 8

// ErrTooManyACKs indicates an attempt to serialize more than
// maxACKsPerPacket ack ids in a single packet.
var ErrTooManyACKs = errors.New("model: too many ACK ids for one packet")

// Bytes serializes p into its wire representation.
func (p *Packet) Bytes() ([]byte, error) {
	if len(p.ACKs) > maxACKsPerPacket {
		return nil, ErrTooManyACKs
	}
	w := bytesx.NewWriter(32 + len(p.Payload))
	w.WriteUint8(PackOpcodeKeyID(p.Opcode, p.KeyID))

	switch p.Opcode {
	case P_DATA_V2:
		w.WriteUint24(uint32(p.PeerID[0])<<16 | uint32(p.PeerID[1])<<8 | uint32(p.PeerID[2]))
		w.WriteBytes(p.Payload)
		return w.Bytes(), nil
	case P_DATA_V1:
		w.WriteBytes(p.Payload)
		return w.Bytes(), nil
	}

	// Control-like opcode: session id + ACK vector + (message id + payload).
	w.WriteBytes(p.LocalSessionID[:])
	w.WriteUint8(uint8(len(p.ACKs)))
	for _, id := range p.ACKs {
		w.WriteUint32(uint32(id))
	}
	if len(p.ACKs) > 0 {
		w.WriteBytes(p.RemoteSessionID[:])
	}
	if p.Opcode != P_ACK_V1 {
		w.WriteUint32(uint32(p.ID))
		w.WriteBytes(p.Payload)
	}
	return w.Bytes(), nil
}

// ErrMalformedPacket indicates a packet whose bytes do not parse as a
// well-formed session packet (truncated, or an ACK count beyond bound).
var ErrMalformedPacket = errors.New("model: malformed session packet")

// ErrOpcodeMismatch is returned by ParseExpectingOpcode when the wire
// opcode byte does not match what the caller expected. This lets the
// session demuxer peek at a packet's opcode, then commit to parsing it
// as a specific type, without panicking on a mismatch (spec §4.B).
var ErrOpcodeMismatch = errors.New("model: opcode does not match expected type")

// PeekOpcodeKeyID reads the opcode and key id without consuming or
// validating the rest of the packet, for cheap demultiplexing.
func PeekOpcodeKeyID(b []byte) (Opcode, uint8, error) {
	if len(b) < 1 {
		return 0, 0, ErrMalformedPacket
	}
	opcode, keyID := UnpackOpcodeKeyID(b[0])
	return opcode, keyID, nil
}

// ParsePacket decodes buf into a Packet. Payload aliases buf's backing
// array; call Clone if it must outlive the next parse into the same
// buffer.
func ParsePacket(buf []byte) (*Packet, error) {
	r := bytesx.NewReader(buf)
	prefix, err := r.ReadUint8()
	if err != nil {
		return nil, ErrMalformedPacket
	}
	opcode, keyID := UnpackOpcodeKeyID(prefix)
	p := &Packet{Opcode: opcode, KeyID: keyID}

	if opcode == P_DATA_V2 {
		peerID, err := r.ReadUint24()
		if err != nil {
			return nil, ErrMalformedPacket
		}
		p.PeerID = [3]byte{byte(peerID >> 16), byte(peerID >> 8), byte(peerID)}
		p.Payload = r.Bytes()
		return p, nil
	}
	if opcode == P_DATA_V1 {
		p.Payload = r.Bytes()
		return p, nil
	}

	sid, err := r.ReadBytes(8)
	if err != nil {
		return nil, ErrMalformedPacket
	}
	copy(p.LocalSessionID[:], sid)

	ackCount, err := r.ReadUint8()
	if err != nil {
		return nil, ErrMalformedPacket
	}
	if ackCount > maxACKsPerPacket {
		return nil, ErrMalformedPacket
	}
	if ackCount > 0 {
		p.ACKs = make([]PacketID, ackCount)
		for i := range p.ACKs {
			id, err := r.ReadUint32()
			if err != nil {
				return nil, ErrMalformedPacket
			}
			p.ACKs[i] = PacketID(id)
		}
		rsid, err := r.ReadBytes(8)
		if err != nil {
			return nil, ErrMalformedPacket
		}
		copy(p.RemoteSessionID[:], rsid)
		p.HasRemoteID = true
	}

	if opcode != P_ACK_V1 {
		id, err := r.ReadUint32()
		if err != nil {
			return nil, ErrMalformedPacket
		}
		p.ID = PacketID(id)
		p.Payload = r.Bytes()
	}
	return p, nil
}

// ParseExpectingOpcode parses buf and fails with ErrOpcodeMismatch
// (rather than succeeding or panicking) if the decoded opcode is not
// want. Used by peek-then-commit parsers such as the hard-reset
// handler, which must not treat a stray data packet as a handshake
// reply.
func ParseExpectingOpcode(buf []byte, want Opcode) (*Packet, error) {
	opcode, _, err := PeekOpcodeKeyID(buf)
	if err != nil {
		return nil, err
	}
	if opcode != want {
		return nil, ErrOpcodeMismatch
	}
	return ParsePacket(buf)
}
