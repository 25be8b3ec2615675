package datachannel

import (
	"errors"
	"fmt"

	"github.com/quietpath/ovpncore/internal/model"
	"github.com/quietpath/ovpncore/internal/replay"
	"github.com/quietpath/ovpncore/internal/session"
)

// replayWindowWidth is the data-channel replay window's width in
// bits, wider than tls-crypt's 64-bit window (spec.md §4.I) since
// data packets can arrive far more out of order over UDP.
const replayWindowWidth = 128

// ErrUnknownPeerID indicates an inbound DataV2 packet's peer id does
// not match the one this side negotiated with the server (spec.md
// §4.I).
var ErrUnknownPeerID = errors.New("datachannel: unknown peer id")

// ErrReplay indicates an inbound packet id was rejected by the
// replay window: a duplicate, or too far behind the highest id seen.
var ErrReplay = errors.New("datachannel: replayed or too-old packet id")

// Frame is one decrypted inbound data-plane payload, tagged with its
// inner family without decoding it further (spec.md §4.I Non-goal).
type Frame struct {
	Family    Family
	LayerType func() string // lazily formats the gopacket layer name; nil for FamilyUnknown/FamilyPing
	Payload   []byte
}

// Channel is the synchronous AES-GCM data plane bound to one
// negotiated key and peer id. It has no goroutines of its own: the
// caller (the top-level driver, spec.md §4.J) calls EncryptWrite for
// each outbound frame and DecryptRead for each inbound DataV2 packet,
// matching spec.md §5's single-threaded cooperative model instead of
// the teacher's moveUpWorker/moveDownWorker/keyWorker trio.
//
// Grounded on the teacher's internal/datachannel/service.go
// (writePacket/readPacket/setupKeys) and vpn/crypto.go's
// dataCipherAES GCM branch for the actual AEAD mechanics.
type Channel struct {
	sess    *session.Manager
	devType string

	peerID  [3]byte
	hasPeer bool

	encrypt *aeadCipher
	decrypt *aeadCipher
	window  *replay.Window
}

// NewChannel builds a Channel bound to sess. EncryptWrite and
// DecryptRead fail with ErrCipherNotNegotiated until SetupKeys is
// called. DecryptRead also fails with ErrUnknownPeerID until SetPeerID
// is called; EncryptWrite does not check the peer id and stamps peer
// id 0 until then.
func NewChannel(sess *session.Manager, devType string) *Channel {
	return &Channel{
		sess:    sess,
		devType: devType,
		window:  replay.NewWindow(replayWindowWidth),
	}
}

// SetupKeys installs the derived key material as this channel's AEAD
// state, one direction per side (spec.md §4.H hands this over once
// key-method-2 derivation completes). It mirrors the teacher's
// DataChannel.setupKeys, called from keyWorker in service.go.
func (c *Channel) SetupKeys(m *session.DataChannelKeyMaterial) error {
	enc, err := newAEADCipher(m.CipherKeyLocal, m.HMACKeyLocal)
	if err != nil {
		return err
	}
	dec, err := newAEADCipher(m.CipherKeyRemote, m.HMACKeyRemote)
	if err != nil {
		return err
	}
	c.encrypt = enc
	c.decrypt = dec
	return nil
}

// SetPeerID records the peer id the server assigned in its
// PUSH_REPLY (spec.md §4.I: "required for DataV2"), mirroring the
// teacher's muxer.InitDataWithRemoteKey -> m.data.SetPeerID(m.tunnel.peerID)
// call.
func (c *Channel) SetPeerID(peerID int) {
	c.peerID = [3]byte{byte(peerID >> 16), byte(peerID >> 8), byte(peerID)}
	c.hasPeer = true
}

// EncryptWrite seals payload into a P_DATA_V2 packet: nonce
// iv_prefix(4) || packet_id(4), associated data is the DataV2
// header's opcode/key-id byte, and the plaintext packet id is
// prepended inside the ciphertext region per OpenVPN's own framing
// (spec.md §4.I).
func (c *Channel) EncryptWrite(payload []byte) (*model.Packet, error) {
	if c.encrypt == nil {
		return nil, ErrCipherNotNegotiated
	}
	pid, err := c.sess.LocalDataPacketID()
	if err != nil {
		return nil, err
	}
	header := model.PackOpcodeKeyID(model.P_DATA_V2, c.sess.CurrentKeyID())
	ciphertext := c.encrypt.seal(uint32(pid), payload, []byte{header})

	body := make([]byte, 4+len(ciphertext))
	body[0] = byte(pid >> 24)
	body[1] = byte(pid >> 16)
	body[2] = byte(pid >> 8)
	body[3] = byte(pid)
	copy(body[4:], ciphertext)

	p := model.NewPacket(model.P_DATA_V2, c.sess.CurrentKeyID(), body)
	p.PeerID = c.peerID
	return p, nil
}

// DecryptRead verifies p's peer id, extracts its packet id, checks
// the replay window, and decrypts its payload (spec.md §4.I). On
// success the returned Frame is tagged by family but not otherwise
// decoded.
func (c *Channel) DecryptRead(p *model.Packet) (*Frame, error) {
	if c.decrypt == nil {
		return nil, ErrCipherNotNegotiated
	}
	if p.Opcode != model.P_DATA_V2 {
		return nil, fmt.Errorf("datachannel: unexpected opcode %s", p.Opcode)
	}
	if !c.hasPeer || p.PeerID != c.peerID {
		return nil, ErrUnknownPeerID
	}
	if len(p.Payload) < 4 {
		return nil, model.ErrMalformedPacket
	}
	pid := uint32(p.Payload[0])<<24 | uint32(p.Payload[1])<<16 | uint32(p.Payload[2])<<8 | uint32(p.Payload[3])
	if !c.window.Accept(uint64(pid)) {
		return nil, ErrReplay
	}
	header := model.PackOpcodeKeyID(p.Opcode, p.KeyID)
	plaintext, err := c.decrypt.open(pid, p.Payload[4:], []byte{header})
	if err != nil {
		return nil, err
	}
	family := classifyFamily(c.devType, plaintext)
	frame := &Frame{Family: family, Payload: plaintext}
	if family == FamilyIPv4 || family == FamilyIPv6 || family == FamilyEthernet {
		lt := family.LayerType()
		frame.LayerType = func() string { return lt.String() }
	}
	return frame, nil
}
