package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/quietpath/ovpncore/internal/model"
	"github.com/quietpath/ovpncore/internal/optional"
	"github.com/quietpath/ovpncore/internal/runtimex"
)

// packetIDCounters tracks the two independent, monotonically
// increasing packet-id sequences a session hands out: one for the
// reliable control channel, one for the data plane. Hard resets are
// not drawn from either counter — see NewHardResetPacket.
type packetIDCounters struct {
	control model.PacketID
	data    model.PacketID
}

// ErrExpiredKey indicates a counter has exhausted the 32-bit packet-id
// space and the session can no longer issue fresh ids.
var ErrExpiredKey = errors.New("expired key")

// next draws the next value from whichever counter field addr points
// at and advances it, failing once the space is exhausted.
func next(addr *model.PacketID) (model.PacketID, error) {
	if *addr == math.MaxUint32 {
		return 0, ErrExpiredKey
	}
	id := *addr
	*addr++
	return id, nil
}

// Manager owns every piece of per-connection bookkeeping the protocol
// engine needs outside the data plane itself: session ids, packet-id
// sequencing, the active key slot, negotiation progress and the
// tunnel parameters pushed by the server. Build one with NewManager;
// the zero value is not usable. All methods take an internal mutex, so
// a Manager may be shared across goroutines even though spec.md §5's
// driver only ever calls it from one.
type Manager struct {
	mu sync.Mutex

	localSessionID  model.SessionID
	remoteSessionID optional.Value[model.SessionID]

	keyID uint8
	keys  []*DataChannelKey

	counters packetIDCounters

	negState model.NegotiationState
	// ready latches true the first time SetNegotiationState observes
	// S_GENERATED_KEYS; IsReady lets the driver poll for that instead
	// of blocking on a channel.
	ready bool

	tunnelInfo model.TunnelInfo

	logger model.Logger
	tracer model.HandshakeTracer
}

// NewManager allocates a Manager with a fresh random local session id
// and key slot zero's local KeySource already generated.
func NewManager(config *model.Config) (*Manager, error) {
	m := &Manager{
		keys:   []*DataChannelKey{{}},
		logger: config.Logger(),
		tracer: config.Tracer(),
		counters: packetIDCounters{
			// hard resets occupy message-id 0 as a special case, so
			// the first real control message starts at 1.
			control: 1,
			// a fresh OpenVPN server rejects a data packet-id of 0,
			// so the data counter also starts at 1.
			data: 1,
		},
		remoteSessionID: optional.None[model.SessionID](),
	}

	var sid [8]byte
	if _, err := rand.Read(sid[:]); err != nil {
		return m, err
	}
	m.localSessionID = model.SessionID(sid)

	local, err := NewKeySource()
	if err != nil {
		return m, err
	}
	m.keys[0].local = local
	return m, nil
}

// LocalSessionID returns the session id this side chose, as bytes.
func (m *Manager) LocalSessionID() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localSessionID[:]
}

// RemoteSessionID returns the peer's session id as bytes, or nil if
// SetRemoteSessionID has not been called yet.
func (m *Manager) RemoteSessionID() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remoteSessionID.IsNone() {
		return nil
	}
	id := m.remoteSessionID.Unwrap()
	return id[:]
}

// IsRemoteSessionIDSet reports whether SetRemoteSessionID has run.
func (m *Manager) IsRemoteSessionIDSet() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.remoteSessionID.IsNone()
}

// SetRemoteSessionID records the session id the peer announced in its
// hard-reset reply. It may only be called once per session.
func (m *Manager) SetRemoteSessionID(remoteSessionID model.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	runtimex.Assert(m.remoteSessionID.IsNone(), "SetRemoteSessionID called more than once")
	m.remoteSessionID = optional.Some(remoteSessionID)
}

// ErrNoRemoteSessionID is returned by NewACKForPacketIDs when called
// before the remote session id is known — an ACK always addresses a
// specific peer session, so there is nothing valid to build yet.
var ErrNoRemoteSessionID = errors.New("missing remote session ID")

// NewACKForPacketIDs builds a stand-alone P_ACK_V1 packet acking ids.
func (m *Manager) NewACKForPacketIDs(ids []model.PacketID) (*model.Packet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remoteSessionID.IsNone() {
		return nil, ErrNoRemoteSessionID
	}
	return &model.Packet{
		Opcode:          model.P_ACK_V1,
		KeyID:           m.keyID,
		LocalSessionID:  m.localSessionID,
		RemoteSessionID: m.remoteSessionID.Unwrap(),
		ACKs:            ids,
		Payload:         []byte{},
	}, nil
}

// NewPacket builds a packet of the given opcode carrying payload,
// stamped with this session's ids and the next packet id from
// whichever sequence opcode belongs to.
func (m *Manager) NewPacket(opcode model.Opcode, payload []byte) (*model.Packet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counter := &m.counters.data
	if opcode.IsControl() {
		counter = &m.counters.control
	}
	id, err := next(counter)
	if err != nil {
		return nil, err
	}

	packet := model.NewPacket(opcode, m.keyID, payload)
	packet.LocalSessionID = m.localSessionID
	packet.ID = id
	if !m.remoteSessionID.IsNone() {
		packet.RemoteSessionID = m.remoteSessionID.Unwrap()
	}
	return packet, nil
}

// NewHardResetPacket builds a P_CONTROL_HARD_RESET_CLIENT_V2 packet.
// Its packet id is always zero: unlike every other control packet,
// resending a hard reset must not advance any sequence, since the
// peer has no prior state to reconcile it against. This is why
// hard resets bypass reliabletransport entirely and are retried by
// the driver itself.
func (m *Manager) NewHardResetPacket() *model.Packet {
	m.mu.Lock()
	defer m.mu.Unlock()
	packet := model.NewPacket(model.P_CONTROL_HARD_RESET_CLIENT_V2, m.keyID, []byte{})
	packet.LocalSessionID = m.localSessionID
	packet.ID = 0
	return packet
}

// LocalDataPacketID draws and advances the next data-plane packet id.
func (m *Manager) LocalDataPacketID() (model.PacketID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return next(&m.counters.data)
}

// NegotiationState reports the session's current negotiation state.
func (m *Manager) NegotiationState() model.NegotiationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.negState
}

// SetNegotiationState advances the session's negotiation state,
// logging and tracing the transition. Reaching S_GENERATED_KEYS
// permanently flips IsReady to true.
func (m *Manager) SetNegotiationState(sns model.NegotiationState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Infof("[@] %s -> %s", m.negState, sns)
	m.tracer.OnStateChange(sns)
	m.negState = sns
	if sns == model.S_GENERATED_KEYS {
		m.ready = true
	}
}

// IsReady reports whether the data channel's key material has been
// generated and traffic may start flowing.
func (m *Manager) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready
}

// ActiveKey returns the key slot currently selected by CurrentKeyID.
func (m *Manager) ActiveKey() (*DataChannelKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keyID >= uint8(len(m.keys)) {
		return nil, fmt.Errorf("%w: no such key id", errDataChannelKey)
	}
	return m.keys[m.keyID], nil
}

// CurrentKeyID returns the key id this session is currently using.
func (m *Manager) CurrentKeyID() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keyID
}

// InitTunnelInfo seeds TunnelInfo's MTU field from the OCC "remote
// options" string exchanged before PUSH_REPLY; the rest of TunnelInfo
// only becomes known once UpdateTunnelInfo runs.
func (m *Manager) InitTunnelInfo(remoteOptions string) error {
	mtu, err := parseTunMTU(remoteOptions)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tunnelInfo.MTU = mtu
	m.logger.Infof("Tunnel MTU: %v", mtu)
	return nil
}

// parseTunMTU extracts the tun-mtu value out of a comma-separated
// "key value" options string. Every other option in that string is
// currently ignored.
func parseTunMTU(remoteOptions string) (int, error) {
	for _, opt := range strings.Split(remoteOptions, ",") {
		fields := strings.SplitN(strings.TrimSpace(opt), " ", 2)
		if len(fields) != 2 || fields[0] != "tun-mtu" {
			continue
		}
		return strconv.Atoi(strings.TrimSpace(fields[1]))
	}
	return 0, nil
}

// UpdateTunnelInfo merges the address, gateway, netmask and peer id
// learned from the server's PUSH_REPLY into the session's tunnel info.
func (m *Manager) UpdateTunnelInfo(ti *model.TunnelInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tunnelInfo.IP = ti.IP
	m.tunnelInfo.GW = ti.GW
	m.tunnelInfo.NetMask = ti.NetMask
	m.tunnelInfo.PeerID = ti.PeerID
	m.logger.Infof("Tunnel IP: %s", ti.IP)
	m.logger.Infof("Gateway IP: %s", ti.GW)
	m.logger.Infof("Peer ID: %d", ti.PeerID)
}

// TunnelInfo returns a snapshot of the session's current tunnel info.
func (m *Manager) TunnelInfo() model.TunnelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tunnelInfo
}
