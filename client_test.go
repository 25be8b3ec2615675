package ovpncore

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/quietpath/ovpncore/internal/datachannel"
	"github.com/quietpath/ovpncore/internal/mocks"
	"github.com/quietpath/ovpncore/internal/model"
	"github.com/quietpath/ovpncore/internal/session"
)

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Protocol != "udp" {
		t.Errorf("Protocol = %q, want udp", cfg.Protocol)
	}
	if len(cfg.DataCiphers) != 2 || cfg.DataCiphers[0] != "AES-256-GCM" {
		t.Errorf("DataCiphers = %v", cfg.DataCiphers)
	}
	if cfg.DevType != "tun" {
		t.Errorf("DevType = %q, want tun", cfg.DevType)
	}
	if cfg.Logger == nil || cfg.Tracer == nil {
		t.Error("expected non-nil default Logger/Tracer")
	}
}

func TestConfigWithDefaultsPreservesOverrides(t *testing.T) {
	cfg := Config{Protocol: "tcp", DevType: "tap", DataCiphers: []string{"AES-128-GCM"}}.withDefaults()
	if cfg.Protocol != "tcp" || cfg.DevType != "tap" || cfg.DataCiphers[0] != "AES-128-GCM" {
		t.Errorf("withDefaults overrode explicit settings: %+v", cfg)
	}
}

func TestCipherKeySize(t *testing.T) {
	cases := []struct {
		ciphers  []string
		wantLen  int
		wantBits int
	}{
		{nil, 32, 256},
		{[]string{"AES-256-GCM"}, 32, 256},
		{[]string{"AES-128-GCM"}, 16, 128},
		{[]string{"unknown"}, 32, 256},
	}
	for _, tc := range cases {
		gotLen, gotBits := cipherKeySize(tc.ciphers)
		if gotLen != tc.wantLen || gotBits != tc.wantBits {
			t.Errorf("cipherKeySize(%v) = (%d, %d), want (%d, %d)", tc.ciphers, gotLen, gotBits, tc.wantLen, tc.wantBits)
		}
	}
}

func TestOccProto(t *testing.T) {
	if got := occProto("tcp"); got != "TCPv4" {
		t.Errorf("occProto(tcp) = %q", got)
	}
	if got := occProto("udp"); got != "UDPv4" {
		t.Errorf("occProto(udp) = %q", got)
	}
	if got := occProto(""); got != "UDPv4" {
		t.Errorf("occProto(\"\") = %q", got)
	}
}

// recordingConn is a mocks.Conn wrapper that records every byte slice
// handed to Write and lets a test script canned responses into Read.
type recordingConn struct {
	mu      sync.Mutex
	writes  [][]byte
	reads   [][]byte
	readIdx int
}

func newRecordingConn() (*recordingConn, *mocks.Conn) {
	rc := &recordingConn{}
	conn := &mocks.Conn{
		MockWrite: func(b []byte) (int, error) {
			rc.mu.Lock()
			defer rc.mu.Unlock()
			cp := append([]byte(nil), b...)
			rc.writes = append(rc.writes, cp)
			return len(b), nil
		},
		MockRead: func(b []byte) (int, error) {
			rc.mu.Lock()
			defer rc.mu.Unlock()
			if rc.readIdx >= len(rc.reads) {
				return 0, deadlineExceeded{}
			}
			chunk := rc.reads[rc.readIdx]
			rc.readIdx++
			n := copy(b, chunk)
			return n, nil
		},
		MockLocalAddr: func() net.Addr { return &mocks.Addr{MockNetwork: func() string { return "udp" }} },
	}
	return rc, conn
}

// deadlineExceeded implements net.Error the way a real read timeout
// does, so internal/networkio's isTimeout helper treats it as "nothing
// available yet" rather than a hard failure.
type deadlineExceeded struct{}

func (deadlineExceeded) Error() string   { return "i/o timeout" }
func (deadlineExceeded) Timeout() bool   { return true }
func (deadlineExceeded) Temporary() bool { return true }

func (rc *recordingConn) writeCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.writes)
}

func (rc *recordingConn) lastWrite() []byte {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.writes) == 0 {
		return nil
	}
	return rc.writes[len(rc.writes)-1]
}

func (rc *recordingConn) queueRead(b []byte) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.reads = append(rc.reads, b)
}

func TestHardResetSendsAndWaitsForServerReply(t *testing.T) {
	rc, conn := newRecordingConn()

	serverSessionID := model.SessionID{9, 9, 9, 9, 9, 9, 9, 9}
	serverReset := &model.Packet{
		Opcode:         model.P_CONTROL_HARD_RESET_SERVER_V2,
		LocalSessionID: serverSessionID,
		Payload:        []byte{},
	}
	raw, err := serverReset.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	rc.queueRead(raw)

	client, err := NewClient(conn, Config{Protocol: "udp", Logger: model.NopLogger{}, Tracer: model.NoopTracer{}})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.hardReset(ctx); err != nil {
		t.Fatalf("hardReset: %v", err)
	}

	if !client.sess.IsRemoteSessionIDSet() {
		t.Fatal("expected remote session id to be set")
	}
	if !bytes.Equal(client.sess.RemoteSessionID(), serverSessionID[:]) {
		t.Fatalf("RemoteSessionID = %x, want %x", client.sess.RemoteSessionID(), serverSessionID[:])
	}
	if rc.writeCount() < 2 {
		t.Fatalf("expected at least 2 writes (hard reset + ack), got %d", rc.writeCount())
	}

	ackPkt, err := model.ParsePacket(rc.lastWrite())
	if err != nil {
		t.Fatal(err)
	}
	if ackPkt.Opcode != model.P_ACK_V1 || len(ackPkt.ACKs) != 1 || ackPkt.ACKs[0] != 0 {
		t.Fatalf("expected a stand-alone ACK for packet id 0, got %+v", ackPkt)
	}
}

func TestHardResetRespectsCancellation(t *testing.T) {
	_, conn := newRecordingConn() // never queues a reply
	client, err := NewClient(conn, Config{Protocol: "udp"})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = client.hardReset(ctx)
	if err == nil {
		t.Fatal("expected an error from an already-cancelled context")
	}
}

func TestWriteBeforeEstablishedFails(t *testing.T) {
	_, conn := newRecordingConn()
	client, err := NewClient(conn, Config{Protocol: "udp"})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Write([]byte("x")); err == nil {
		t.Fatal("expected ErrNotEstablished")
	}
}

func TestReadDeliversConnectEventOnce(t *testing.T) {
	_, conn := newRecordingConn()
	client, err := NewClient(conn, Config{Protocol: "udp"})
	if err != nil {
		t.Fatal(err)
	}
	client.sess.UpdateTunnelInfo(&model.TunnelInfo{IP: "10.0.0.2", GW: "10.0.0.1", NetMask: "255.255.255.0", PeerID: 3})
	client.state = stateEstablished

	first, ok := client.Read()
	if !ok || first.Kind != InboundConnect {
		t.Fatalf("expected an InboundConnect event, got %+v ok=%v", first, ok)
	}
	if first.Connect.IP != "10.0.0.2" || first.Connect.PeerID != 3 {
		t.Fatalf("unexpected ConnectInfo: %+v", first.Connect)
	}

	if _, ok := client.Read(); ok {
		t.Fatal("expected the connect event to be delivered exactly once")
	}
}

func TestSendEncryptsQueuedFrames(t *testing.T) {
	rc, conn := newRecordingConn()
	client, err := NewClient(conn, Config{Protocol: "udp"})
	if err != nil {
		t.Fatal(err)
	}

	clientMaterial, serverMaterial := symmetricDataChannelMaterial()
	if err := client.dc.SetupKeys(clientMaterial); err != nil {
		t.Fatal(err)
	}
	client.dc.SetPeerID(5)
	client.state = stateEstablished

	payload := []byte{0x45, 0x00, 0xca, 0xfe}
	if err := client.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := client.Send(context.Background()); err != nil {
		t.Fatal(err)
	}
	if rc.writeCount() != 1 {
		t.Fatalf("expected exactly one write, got %d", rc.writeCount())
	}

	pkt, err := model.ParsePacket(rc.lastWrite())
	if err != nil {
		t.Fatal(err)
	}
	if pkt.Opcode != model.P_DATA_V2 || pkt.PeerID != [3]byte{0, 0, 5} {
		t.Fatalf("unexpected packet: %+v", pkt)
	}

	serverSess, err := session.NewManager(model.NewConfig())
	if err != nil {
		t.Fatal(err)
	}
	serverDC := newPeerDataChannel(t, serverSess, serverMaterial, 5)
	frame, err := serverDC.DecryptRead(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Fatalf("decrypted payload = %x, want %x", frame.Payload, payload)
	}
}

// symmetricDataChannelMaterial builds a matched client/server key pair
// for the data channel, mirroring internal/datachannel's own test
// helper of the same shape.
func symmetricDataChannelMaterial() (client, server *session.DataChannelKeyMaterial) {
	keyA := bytes.Repeat([]byte{0xAA}, 32)
	keyB := bytes.Repeat([]byte{0xBB}, 32)
	ivA := []byte{1, 2, 3, 4}
	ivB := []byte{5, 6, 7, 8}
	client = &session.DataChannelKeyMaterial{CipherKeyLocal: keyA, CipherKeyRemote: keyB, HMACKeyLocal: ivA, HMACKeyRemote: ivB}
	server = &session.DataChannelKeyMaterial{CipherKeyLocal: keyB, CipherKeyRemote: keyA, HMACKeyLocal: ivB, HMACKeyRemote: ivA}
	return client, server
}

// newPeerDataChannel builds a Channel standing in for the server side
// of a data-channel exchange, for tests that only need to verify a
// client-encrypted packet decrypts correctly.
func newPeerDataChannel(t *testing.T, sess *session.Manager, material *session.DataChannelKeyMaterial, peerID int) *datachannel.Channel {
	t.Helper()
	dc := datachannel.NewChannel(sess, "tun")
	if err := dc.SetupKeys(material); err != nil {
		t.Fatal(err)
	}
	dc.SetPeerID(peerID)
	return dc
}
