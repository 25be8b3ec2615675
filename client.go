package ovpncore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/quietpath/ovpncore/internal/controlchannel"
	"github.com/quietpath/ovpncore/internal/controlwrap"
	"github.com/quietpath/ovpncore/internal/datachannel"
	"github.com/quietpath/ovpncore/internal/keyexchange"
	"github.com/quietpath/ovpncore/internal/model"
	"github.com/quietpath/ovpncore/internal/networkio"
	"github.com/quietpath/ovpncore/internal/reliabletransport"
	"github.com/quietpath/ovpncore/internal/session"
	"github.com/quietpath/ovpncore/internal/tlssession"
)

// clientState tracks Client's own coarse progress, independent of
// (but driven alongside) session.Manager's finer-grained
// NegotiationState.
type clientState int

const (
	stateInitial clientState = iota
	stateHardReset
	stateTLSHandshake
	stateKeyExchange
	stateEstablished
	stateFailed
)

// hardResetRetryInterval bounds how long Connect waits for a hard
// reset reply before resending it, mirroring vpn/muxer.go's Reset loop
// (there a blocking read-retry; here a polled deadline since Connect
// never blocks on I/O without checking ctx).
const hardResetRetryInterval = 2 * time.Second

// maxHardResetRetries bounds the same loop, so a server that never
// answers doesn't spin Connect forever.
const maxHardResetRetries = 10

// ErrHardResetTimeout indicates the server answered neither the initial
// hard reset nor any of its maxHardResetRetries resends.
var ErrHardResetTimeout = errors.New("ovpncore: server did not answer hard reset")

// InboundKind classifies the values Client.Read returns.
type InboundKind int

const (
	// InboundData is a decrypted tunnel frame.
	InboundData InboundKind = iota
	// InboundConnect is the one-shot event Read emits exactly once,
	// right after Connect reaches Established, carrying the
	// negotiated tunnel parameters (spec.md §4.J).
	InboundConnect
)

// ConnectInfo carries the tunnel parameters learned from the server's
// PUSH_REPLY and OCC exchange, delivered once via the InboundConnect
// event.
type ConnectInfo struct {
	IP      string
	Gateway string
	NetMask string
	MTU     int
	PeerID  int

	PushReply *keyexchange.PushReply
}

// InboundPacket is one value Client.Read hands back: either a decrypted
// data-channel frame or the one-shot connect event.
type InboundPacket struct {
	Kind    InboundKind
	Frame   *datachannel.Frame
	Connect *ConnectInfo
}

// Client drives one OpenVPN session over an already-dialed net.Conn.
// Connect, Receive and WaitForData poll the network and block until
// there is progress to report or ctx ends; every other method is
// synchronous and returns immediately. None of them spawn a goroutine
// of their own.
//
// Grounded on vpn/muxer.go's muxer struct: the same conn/control/data
// split, generalized here into networkio.Carrier (transport),
// controlchannel.Demux (opcode routing), reliabletransport.Transport
// (the teacher's not-retrieved reliableTransport, rebuilt from spec.md
// §4.D), tlssession.Engine (TLS), keyexchange.Exchange (key method 2 +
// push) and datachannel.Channel (data plane).
type Client struct {
	cfg    Config
	connID uuid.UUID

	carrier *networkio.Carrier
	wrap    *controlwrap.Wrapper

	sess     *session.Manager
	reliable *reliabletransport.Transport

	demux       *controlchannel.Demux
	controlCons *controlchannel.Consumer
	ackCons     *controlchannel.Consumer
	dataCons    *controlchannel.Consumer

	pump tlssession.Pump
	ex   *keyexchange.Exchange
	dc   *datachannel.Channel

	state     clientState
	pushReply *keyexchange.PushReply

	pendingCiphertext []byte

	connectDelivered bool
	inbound          []*datachannel.Frame
	outbound         [][]byte
}

// NewClient wires a Client around an already-connected conn. Most
// callers should use Dial/DialContext instead; NewClient exists for
// callers that already own a conn (e.g. one obtained from a SOCKS
// proxy, or a test double).
func NewClient(conn net.Conn, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	protocol, err := networkio.ProtocolFromNetwork(conn.LocalAddr().Network())
	if err != nil {
		if cfg.Protocol == "tcp" {
			protocol = networkio.TCP
		} else {
			protocol = networkio.UDP
		}
	}

	modelCfg := model.NewConfig(model.WithLogger(cfg.Logger), model.WithTracer(cfg.Tracer))
	sess, err := session.NewManager(modelCfg)
	if err != nil {
		return nil, fmt.Errorf("ovpncore: %w", err)
	}

	var wrap *controlwrap.Wrapper
	if cfg.ControlWrapper != nil && len(cfg.ControlWrapper.StaticKeyPEM) > 0 {
		wrap, err = controlwrap.NewWrapperFromPEM(cfg.ControlWrapper.StaticKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("ovpncore: %w", err)
		}
	}

	c := &Client{
		cfg:     cfg,
		connID:  modelCfg.ConnID(),
		carrier: networkio.NewCarrier(conn, protocol),
		wrap:    wrap,
		sess:    sess,
		reliable: reliabletransport.NewTransport(sess, reliabletransport.NewConfig(), cfg.Logger),
		dc:      datachannel.NewChannel(sess, cfg.DevType),
	}
	c.demux = controlchannel.NewDemux(c)

	var regErr error
	c.controlCons, regErr = c.demux.Register(
		model.P_CONTROL_V1,
		model.P_CONTROL_HARD_RESET_SERVER_V2,
	)
	if regErr == nil {
		c.ackCons, regErr = c.demux.Register(model.P_ACK_V1)
	}
	if regErr == nil {
		c.dataCons, regErr = c.demux.Register(model.P_DATA_V1, model.P_DATA_V2)
	}
	if regErr != nil {
		return nil, fmt.Errorf("ovpncore: %w", regErr)
	}
	return c, nil
}

// WritePacket serializes p, wraps it with tls-crypt if configured, and
// hands it to the carrier's outgoing queue. It satisfies
// controlchannel.Sink, so every consumer's Write and every internal
// caller in this file go through the same path.
func (c *Client) WritePacket(p *model.Packet) error {
	raw, err := p.Bytes()
	if err != nil {
		return err
	}
	if c.wrap != nil {
		raw, err = c.wrap.Wrap(raw)
		if err != nil {
			return err
		}
	}
	c.cfg.Tracer.OnPacket(model.EventSent, p.Opcode, p.ID)
	return c.carrier.EnqueueOutgoing(raw)
}

// mapCancelErr turns a context error propagated up from carrier waits
// into ErrCancelled, leaving any other error untouched.
func mapCancelErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return err
}

// Connect drives the session from Initial to Established: hard reset,
// TLS handshake, key-method-2 and PUSH_REQUEST/PUSH_REPLY. It runs
// entirely on the caller's goroutine, polling the network and
// returning early only if ctx ends or a step fails outright (spec.md
// §5 overrides vpn/muxer.go's Handshake, which instead races a
// goroutine running this same sequence against ctx.Done).
func (c *Client) Connect(ctx context.Context) error {
	if c.state != stateInitial {
		return fmt.Errorf("ovpncore: Connect called twice")
	}
	c.state = stateHardReset
	if err := c.hardReset(ctx); err != nil {
		c.state = stateFailed
		return err
	}

	c.state = stateTLSHandshake
	engine, err := tlssession.NewEngine(&tlssession.Options{
		Cert:               c.cfg.ControlCrypto.Cert,
		Key:                c.cfg.ControlCrypto.Key,
		CA:                 c.cfg.ControlCrypto.CA,
		ServerName:         c.cfg.ControlCrypto.ServerName,
		InsecureSkipVerify: c.cfg.ControlCrypto.InsecureSkipVerify,
	})
	if err != nil {
		c.state = stateFailed
		return fmt.Errorf("ovpncore: %w", err)
	}
	c.pump = engine
	if err := c.tlsHandshake(ctx); err != nil {
		c.state = stateFailed
		return err
	}

	c.state = stateKeyExchange
	if err := c.keyExchange(ctx); err != nil {
		c.state = stateFailed
		return err
	}

	c.state = stateEstablished
	c.sess.SetNegotiationState(model.S_ACTIVE)
	return nil
}

// hardReset sends P_CONTROL_HARD_RESET_CLIENT_V2 and retries on a
// fixed interval until the server's matching hard reset arrives,
// exactly mirroring vpn/muxer.go's Reset loop (there a blocking
// readPacket retry; here a WaitReadable/PollIncoming poll so ctx stays
// observable throughout). The hard reset never goes through
// reliabletransport: session.Manager.NewHardResetPacket's own doc
// comment notes it must never have its packet id bumped by
// retransmission, unlike every other control packet.
func (c *Client) hardReset(ctx context.Context) error {
	send := func() error {
		p := c.sess.NewHardResetPacket()
		if err := c.WritePacket(p); err != nil {
			return err
		}
		return c.carrier.DrainToSocket(time.Time{})
	}
	if err := send(); err != nil {
		return err
	}

	deadline := time.Now().Add(hardResetRetryInterval)
	retries := 0
	for !c.sess.IsRemoteSessionIDSet() {
		select {
		case <-ctx.Done():
			return mapCancelErr(ctx.Err())
		default:
		}
		waitCtx, cancelWait := context.WithDeadline(ctx, deadline)
		err := c.carrier.WaitReadable(waitCtx)
		cancelWait()
		if err != nil && ctx.Err() != nil {
			return mapCancelErr(ctx.Err())
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		raw, ok, err := c.carrier.PollIncoming()
		if err != nil {
			return err
		}
		if !ok {
			if time.Now().After(deadline) {
				retries++
				if retries > maxHardResetRetries {
					return ErrHardResetTimeout
				}
				if err := send(); err != nil {
					return err
				}
				deadline = time.Now().Add(hardResetRetryInterval)
			}
			continue
		}
		if c.wrap != nil {
			raw, err = c.wrap.Unwrap(raw)
			if err != nil {
				continue
			}
		}
		pkt, err := model.ParsePacket(raw)
		if err != nil || pkt.Opcode != model.P_CONTROL_HARD_RESET_SERVER_V2 {
			continue
		}
		c.cfg.Tracer.OnPacket(model.EventReceived, pkt.Opcode, pkt.ID)
		c.sess.SetRemoteSessionID(pkt.LocalSessionID)
	}

	ack, err := c.sess.NewACKForPacketIDs([]model.PacketID{0})
	if err != nil {
		return err
	}
	if err := c.WritePacket(ack); err != nil {
		return err
	}
	return c.carrier.DrainToSocket(time.Time{})
}

// receiveStep drains every complete packet currently available from
// the carrier, routes each through the demux, and lets the control/ACK
// consumers make whatever progress they can. It never blocks.
func (c *Client) receiveStep() error {
	for {
		raw, ok, err := c.carrier.PollIncoming()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if c.wrap != nil {
			raw, err = c.wrap.Unwrap(raw)
			if err != nil {
				c.cfg.Tracer.OnPacket(model.EventDropped, 0, 0)
				continue
			}
		}
		pkt, err := model.ParsePacket(raw)
		if err != nil {
			continue
		}
		c.cfg.Tracer.OnPacket(model.EventReceived, pkt.Opcode, pkt.ID)
		if err := c.demux.Dispatch(pkt); err != nil {
			continue // no consumer registered for this opcode yet; drop
		}
	}
	c.drainControl()
	c.drainACK()
	c.drainData()
	return nil
}

// drainControl feeds every buffered control packet through
// reliabletransport, and in turn every payload it releases into the
// TLS pump.
func (c *Client) drainControl() {
	for {
		p, ok := c.controlCons.Read()
		if !ok {
			return
		}
		if p.Opcode == model.P_CONTROL_HARD_RESET_SERVER_V2 {
			continue // only matters during hardReset, handled there directly
		}
		for _, payload := range c.reliable.HandleIncoming(p) {
			c.pump.WriteOutput(payload)
		}
	}
}

// drainACK feeds every buffered ACK packet's ack vector into
// reliabletransport, releasing the corresponding outbound packets from
// the retransmit window.
func (c *Client) drainACK() {
	for {
		p, ok := c.ackCons.Read()
		if !ok {
			return
		}
		c.reliable.HandleACK(p.ACKs)
	}
}

// drainData decrypts every buffered data-channel packet and appends
// the resulting frame to the inbound queue Read drains. Decrypt
// failures (replay, unknown peer id, a bad tag) are dropped rather
// than treated as fatal: spec.md §4.I leaves rejected data packets
// silently discarded, the same as a real OpenVPN client would for a
// spoofed or stale datagram.
func (c *Client) drainData() {
	for {
		p, ok := c.dataCons.Read()
		if !ok {
			return
		}
		frame, err := c.dc.DecryptRead(p)
		if err != nil {
			c.cfg.Tracer.OnPacket(model.EventDropped, p.Opcode, p.ID)
			continue
		}
		c.inbound = append(c.inbound, frame)
	}
}

// flushOutboundControl advances the retransmit clock to now, writes
// every packet it says is due, and attaches any owed ACKs to a
// stand-alone AckV1 packet.
func (c *Client) flushOutboundControl(now time.Time) error {
	due, tickErr := c.reliable.OnTick(now)
	for _, p := range due {
		if err := c.WritePacket(p); err != nil {
			return err
		}
	}
	if ids := c.reliable.DrainACKDebt(); len(ids) > 0 {
		ack, err := c.sess.NewACKForPacketIDs(ids)
		if err == nil {
			if err := c.WritePacket(ack); err != nil {
				return err
			}
		}
	}
	return tickErr
}

// pumpCiphertextOut drains whatever TLS record bytes the engine wants
// sent and hands them to reliabletransport as P_CONTROL_V1 payloads.
// If the send window is full the bytes are held in pendingCiphertext
// rather than dropped, and retried on the next call.
func (c *Client) pumpCiphertextOut() error {
	buf := make([]byte, 4096)
	for {
		if len(c.pendingCiphertext) == 0 {
			n, ok := c.pump.ReadOutput(buf)
			if !ok {
				return nil
			}
			c.pendingCiphertext = append([]byte(nil), buf[:n]...)
		}
		if _, err := c.reliable.EnqueueOutbound(model.P_CONTROL_V1, c.pendingCiphertext); err != nil {
			if errors.Is(err, reliabletransport.ErrWindowFull) {
				return nil
			}
			return err
		}
		c.pendingCiphertext = nil
	}
}

// tlsHandshake drives engine's handshake to completion, alternating
// between feeding it received ciphertext and draining ciphertext it
// wants sent, the non-blocking equivalent of vpn/muxer.go's
// tlsHandshakeFn(m.reliable, tlsConf) call.
func (c *Client) tlsHandshake(ctx context.Context) error {
	c.pump.StartHandshake()
	for {
		select {
		case <-ctx.Done():
			return mapCancelErr(ctx.Err())
		default:
		}
		if err := c.receiveStep(); err != nil {
			return err
		}
		if err := c.pumpCiphertextOut(); err != nil {
			return err
		}
		if err := c.flushOutboundControl(time.Now()); err != nil {
			return err
		}
		if err := c.carrier.DrainToSocket(time.Time{}); err != nil {
			return err
		}
		done, err := c.pump.PollHandshake()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := c.carrier.WaitReadable(ctx); err != nil {
			return mapCancelErr(err)
		}
	}
}

// keyExchangeConfig builds the internal/keyexchange.Config OCC string
// and key sizing derive from.
func (c *Client) keyExchangeConfig() keyexchange.Config {
	cipherLen, cipherBits := cipherKeySize(c.cfg.DataCiphers)
	return keyexchange.Config{
		CipherList:              c.cfg.DataCiphers,
		DevType:                 c.cfg.DevType,
		LinkMTU:                 c.cfg.LinkMTU,
		TunMTU:                  c.cfg.TunMTU,
		Proto:                   occProto(c.cfg.Protocol),
		KeySize:                 cipherBits,
		Username:                c.cfg.Username,
		Password:                c.cfg.Password,
		UseKeyMaterialExporters: c.cfg.ControlCrypto.UseKeyMaterialExporters,
		CipherKeyLen:            cipherLen,
		HMACKeyLen:              4, // AEAD implicit IV prefix, see internal/session.DataChannelKeyMaterial
	}
}

// keyExchange drives the key-method-2 and PUSH_REQUEST/PUSH_REPLY
// negotiation to completion, then arms the data channel with the
// derived key material and the server-assigned peer id.
func (c *Client) keyExchange(ctx context.Context) error {
	c.ex = keyexchange.NewExchange(c.pump, c.sess, c.keyExchangeConfig())
	for !c.ex.Done() {
		select {
		case <-ctx.Done():
			return mapCancelErr(ctx.Err())
		default:
		}
		if err := c.ex.Advance(); err != nil {
			return fmt.Errorf("ovpncore: %w", err)
		}
		if c.ex.Done() {
			break
		}
		if err := c.receiveStep(); err != nil {
			return err
		}
		if err := c.pumpCiphertextOut(); err != nil {
			return err
		}
		if err := c.flushOutboundControl(time.Now()); err != nil {
			return err
		}
		if err := c.carrier.DrainToSocket(time.Time{}); err != nil {
			return err
		}
		if !c.ex.Done() {
			if err := c.carrier.WaitReadable(ctx); err != nil {
				return mapCancelErr(err)
			}
		}
	}

	dck, err := c.sess.ActiveKey()
	if err != nil {
		return err
	}
	material, err := dck.Derived()
	if err != nil {
		return err
	}
	if err := c.dc.SetupKeys(material); err != nil {
		return err
	}
	ti := c.sess.TunnelInfo()
	c.dc.SetPeerID(ti.PeerID)
	c.pushReply = c.ex.PushReply()
	return nil
}

// Receive pulls one network batch: it waits (respecting ctx) until the
// carrier has something to read, then routes every packet it contains
// to its consumer and flushes any control retransmissions or ACKs that
// are due. Callers drive a loop of Receive/Read to consume inbound
// traffic once Connect has returned (spec.md §4.J).
func (c *Client) Receive(ctx context.Context) error {
	if err := c.carrier.WaitReadable(ctx); err != nil {
		return mapCancelErr(err)
	}
	if err := c.receiveStep(); err != nil {
		return err
	}
	return c.flushOutboundControl(time.Now())
}

// WaitForData blocks until the carrier has bytes to read or ctx ends,
// without consuming them. It exists so a caller that wants to
// multiplex ovpncore with other event sources (a select loop, a tun
// device) can wait without spinning.
func (c *Client) WaitForData(ctx context.Context) error {
	return mapCancelErr(c.carrier.WaitReadable(ctx))
}

// Read pops the next inbound value: the one-shot InboundConnect event
// right after Connect succeeds, then every decrypted data-channel
// frame in arrival order. ok is false when nothing is available right
// now; it is not an error; the caller should call Receive again.
func (c *Client) Read() (*InboundPacket, bool) {
	if c.state == stateEstablished && !c.connectDelivered {
		c.connectDelivered = true
		ti := c.sess.TunnelInfo()
		return &InboundPacket{
			Kind: InboundConnect,
			Connect: &ConnectInfo{
				IP:        ti.IP,
				Gateway:   ti.GW,
				NetMask:   ti.NetMask,
				MTU:       ti.MTU,
				PeerID:    ti.PeerID,
				PushReply: c.pushReply,
			},
		}, true
	}
	if len(c.inbound) == 0 {
		return nil, false
	}
	frame := c.inbound[0]
	c.inbound = c.inbound[1:]
	return &InboundPacket{Kind: InboundData, Frame: frame}, true
}

// Write queues payload for encryption and transmission as a
// P_DATA_V2 packet; the next Send call actually puts it on the wire.
func (c *Client) Write(payload []byte) error {
	if c.state != stateEstablished {
		return ErrNotEstablished
	}
	c.outbound = append(c.outbound, append([]byte(nil), payload...))
	return nil
}

// Send flushes any due control retransmissions/ACKs and every frame
// queued by Write, then drains the carrier's outgoing queue to the
// socket.
func (c *Client) Send(ctx context.Context) error {
	if err := c.flushOutboundControl(time.Now()); err != nil {
		return err
	}
	for _, payload := range c.outbound {
		pkt, err := c.dc.EncryptWrite(payload)
		if err != nil {
			return err
		}
		if err := c.WritePacket(pkt); err != nil {
			return err
		}
	}
	c.outbound = nil
	return c.carrier.DrainToSocket(time.Time{})
}

// Close tears down the TLS engine and the underlying carrier.
func (c *Client) Close() error {
	if c.pump != nil {
		c.pump.Close()
	}
	return c.carrier.Close()
}

// ConnID returns this client's connection id. It is not attached to log
// lines or tracer events, and it never appears on the wire.
func (c *Client) ConnID() uuid.UUID {
	return c.connID
}
