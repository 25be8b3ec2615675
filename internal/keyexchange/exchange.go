package keyexchange

import (
	"github.com/quietpath/ovpncore/internal/model"
	"github.com/quietpath/ovpncore/internal/session"
	"github.com/quietpath/ovpncore/internal/tlssession"
)

// exportKeyMaterialLabel is the RFC 5705 exporter label OpenVPN uses
// for data-channel key derivation (spec.md §4.H).
const exportKeyMaterialLabel = "EXPORTER-OpenVPN-datakeys"

const (
	classicMasterSecretLabel = "OpenVPN master secret"
	classicKeyExpansionLabel = "OpenVPN key expansion"
)

// state is one node of the key-negotiation state machine spec.md
// §4.H diagrams, restricted to the part that runs inside TLS
// (HardReset/WaitServerReset happen one layer up, in the top-level
// driver, before an Exchange is even constructed).
type state int

const (
	stateSendKeyMethod2 state = iota
	stateAwaitRemoteKeyMethod2
	stateSendPushRequest
	stateAwaitPushReply
	stateEstablished
)

// Exchange drives the key-method-2 blob exchange and the
// PUSH_REQUEST/PUSH_REPLY negotiation over an already-established TLS
// tunnel. It is a non-blocking step machine: Advance makes whatever
// progress the currently available bytes allow and returns; the
// caller (the top-level driver) calls it again after the next round
// of wire I/O, per spec.md §5's cooperative concurrency model.
//
// Grounded on vpn/muxer.go's InitDataWithRemoteKey, whose
// sendControlMessage -> readAndLoadRemoteKey loop -> SetupKeys ->
// sendPushRequest -> readPushReply loop sequence this generalizes
// into explicit, individually pollable states instead of the
// teacher's blocking for { ... } retry loops.
type Exchange struct {
	pump tlssession.Pump
	sess *session.Manager
	cfg  Config

	state   state
	readBuf []byte

	pushReply *PushReply
}

// NewExchange builds an Exchange bound to an established TLS pump and
// the session manager that tracks key slots and tunnel info.
func NewExchange(pump tlssession.Pump, sess *session.Manager, cfg Config) *Exchange {
	return &Exchange{
		pump:    pump,
		sess:    sess,
		cfg:     cfg,
		state:   stateSendKeyMethod2,
		readBuf: make([]byte, 4096),
	}
}

// Done reports whether the exchange reached Established.
func (e *Exchange) Done() bool {
	return e.state == stateEstablished
}

// PushReply returns the parsed PUSH_REPLY record once Done reports
// true; nil beforehand.
func (e *Exchange) PushReply() *PushReply {
	return e.pushReply
}

// Advance runs one non-blocking step. It returns nil without changing
// state when the step it's waiting on (a TLS-layer read) has no data
// yet; the caller should pump more ciphertext through
// tlssession.Pump.WriteOutput/ReadOutput and call Advance again.
func (e *Exchange) Advance() error {
	switch e.state {
	case stateSendKeyMethod2:
		return e.sendKeyMethod2()
	case stateAwaitRemoteKeyMethod2:
		return e.awaitRemoteKeyMethod2()
	case stateSendPushRequest:
		return e.sendPushRequest()
	case stateAwaitPushReply:
		return e.awaitPushReply()
	default:
		return nil
	}
}

func (e *Exchange) sendKeyMethod2() error {
	dck, err := e.sess.ActiveKey()
	if err != nil {
		return err
	}
	local, err := dck.Local()
	if err != nil {
		return err
	}
	blob := km2Blob{
		KeySource: local,
		Options:   BuildOCCString(e.cfg),
		Username:  e.cfg.Username,
		Password:  e.cfg.Password,
	}
	raw, err := blob.Marshal()
	if err != nil {
		return err
	}
	if _, err := e.pump.WriteInput(raw); err != nil {
		return err
	}
	e.pump.StartRead(e.readBuf)
	e.state = stateAwaitRemoteKeyMethod2
	return nil
}

func (e *Exchange) awaitRemoteKeyMethod2() error {
	n, done, err := e.pump.PollRead()
	if err != nil {
		return err
	}
	if !done {
		return nil
	}
	remote, err := parseKM2Blob(e.readBuf[:n])
	if err != nil {
		return err
	}
	dck, err := e.sess.ActiveKey()
	if err != nil {
		return err
	}
	dck.SetRemote(remote.KeySource)
	if err := e.sess.InitTunnelInfo(remote.Options); err != nil {
		return err
	}
	local, err := dck.Local()
	if err != nil {
		return err
	}
	material, err := e.deriveKeyMaterial(local, remote.KeySource)
	if err != nil {
		return err
	}
	dck.SetDerived(material)
	e.sess.SetNegotiationState(model.S_GENERATED_KEYS)
	e.state = stateSendPushRequest
	return nil
}

func (e *Exchange) sendPushRequest() error {
	if _, err := e.pump.WriteInput([]byte("PUSH_REQUEST\x00")); err != nil {
		return err
	}
	e.pump.StartRead(e.readBuf)
	e.state = stateAwaitPushReply
	return nil
}

func (e *Exchange) awaitPushReply() error {
	n, done, err := e.pump.PollRead()
	if err != nil {
		return err
	}
	if !done {
		return nil
	}
	raw := string(e.readBuf[:n])
	if IsAuthFailedMessage(raw) {
		return ErrAuthFailed
	}
	pr, err := ParsePushReply(raw)
	if err != nil {
		// The server sometimes interleaves other control traffic
		// before the actual PUSH_REPLY; retry rather than failing
		// outright, mirroring vpn/muxer.go's readPushReply retry loop
		// (there a blocking sleep-and-retry, here a re-issued request
		// polled on the next Advance).
		e.state = stateSendPushRequest
		return nil
	}
	e.pushReply = pr
	e.applyPushReply(pr)
	e.state = stateEstablished
	return nil
}

func (e *Exchange) applyPushReply(pr *PushReply) {
	ti := e.sess.TunnelInfo()
	if pr.IfConfig != "" {
		if addr, mask, ok := splitIfConfig(pr.IfConfig); ok {
			ti.IP = addr
			ti.NetMask = mask
		}
	}
	if pr.RouteGateway != "" {
		ti.GW = pr.RouteGateway
	}
	if pr.HasPeerID {
		ti.PeerID = pr.PeerID
	}
	e.sess.UpdateTunnelInfo(&ti)
}

// splitIfConfig splits a PUSH_REPLY "ifconfig" value ("addr
// mask-or-peer") into its two space-separated fields.
func splitIfConfig(s string) (addr, mask string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// deriveKeyMaterial expands both sides' KeySources into data-plane
// key material, via the TLS exporter when enabled or OpenVPN's
// classic two-stage PRF otherwise (spec.md §4.F/§4.H).
func (e *Exchange) deriveKeyMaterial(local, remote session.KeySource) (*session.DataChannelKeyMaterial, error) {
	cipherKeyLen := e.cfg.CipherKeyLen
	if cipherKeyLen == 0 {
		cipherKeyLen = 32 // AES-256-GCM
	}
	hmacKeyLen := e.cfg.HMACKeyLen
	if hmacKeyLen == 0 {
		hmacKeyLen = 4 // AEAD's implicit IV prefix, not a real HMAC key
	}
	total := 4*cipherKeyLen + 2*hmacKeyLen

	var material []byte
	var err error
	if e.cfg.UseKeyMaterialExporters {
		material, err = e.pump.ExportKeyMaterial(exportKeyMaterialLabel, nil, total)
		if err != nil {
			return nil, err
		}
	} else {
		masterSecret := tlssession.ExportClassicKeyMaterial(
			local.PreMaster[:], []byte(classicMasterSecretLabel),
			local.Random1[:], remote.Random1[:], nil, nil, 48)
		localSid := e.sess.LocalSessionID()
		remoteSid := e.sess.RemoteSessionID()
		material = tlssession.ExportClassicKeyMaterial(
			masterSecret, []byte(classicKeyExpansionLabel),
			local.Random2[:], remote.Random2[:], localSid, remoteSid, total)
	}

	m := &session.DataChannelKeyMaterial{
		CipherKeyLocal:  append([]byte(nil), material[0:cipherKeyLen]...),
		CipherKeyRemote: append([]byte(nil), material[cipherKeyLen:2*cipherKeyLen]...),
	}
	offset := 2 * cipherKeyLen
	if hmacKeyLen > 0 {
		m.HMACKeyLocal = append([]byte(nil), material[offset:offset+hmacKeyLen]...)
		offset += hmacKeyLen
		m.HMACKeyRemote = append([]byte(nil), material[offset:offset+hmacKeyLen]...)
	}
	return m, nil
}
