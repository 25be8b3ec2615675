package keyexchange

import (
	"errors"
	"testing"

	"github.com/quietpath/ovpncore/internal/model"
	"github.com/quietpath/ovpncore/internal/session"
)

// fakePump is a minimal tlssession.Pump stand-in that records
// WriteInput calls and replays a queue of canned StartRead/PollRead
// responses, so Exchange can be driven without a real TLS handshake.
type fakePump struct {
	written   [][]byte
	responses [][]byte

	buf     []byte
	started bool
}

func (f *fakePump) StartHandshake()                 {}
func (f *fakePump) PollHandshake() (bool, error)    { return true, nil }
func (f *fakePump) WriteOutput(ciphertext []byte)   {}
func (f *fakePump) ReadOutput([]byte) (int, bool)   { return 0, false }
func (f *fakePump) Close() error                    { return nil }
func (f *fakePump) ExportKeyMaterial(label string, context []byte, length int) ([]byte, error) {
	return make([]byte, length), nil
}

func (f *fakePump) WriteInput(plaintext []byte) (int, error) {
	f.written = append(f.written, append([]byte(nil), plaintext...))
	return len(plaintext), nil
}

func (f *fakePump) StartRead(buf []byte) {
	f.buf = buf
	f.started = true
}

func (f *fakePump) PollRead() (int, bool, error) {
	if !f.started || len(f.responses) == 0 {
		return 0, false, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	f.started = false
	return copy(f.buf, resp), true, nil
}

func newTestExchangeSession(t *testing.T) *session.Manager {
	t.Helper()
	sess, err := session.NewManager(model.NewConfig())
	if err != nil {
		t.Fatal(err)
	}
	sess.SetRemoteSessionID(model.SessionID{9, 9, 9, 9, 9, 9, 9, 9})
	return sess
}

func remoteKM2Bytes(t *testing.T) []byte {
	t.Helper()
	ks, err := session.NewKeySource()
	if err != nil {
		t.Fatal(err)
	}
	blob := km2Blob{KeySource: ks, Options: "V4,tun-mtu 1400,key-method 2"}
	raw, err := blob.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func advanceUntilDone(t *testing.T, ex *Exchange, maxSteps int) error {
	t.Helper()
	for i := 0; i < maxSteps; i++ {
		if ex.Done() {
			return nil
		}
		if err := ex.Advance(); err != nil {
			return err
		}
	}
	if !ex.Done() {
		t.Fatal("exchange did not complete within maxSteps")
	}
	return nil
}

func TestExchangeFullHandshakeWithExporters(t *testing.T) {
	pump := &fakePump{responses: [][]byte{
		remoteKM2Bytes(t),
		[]byte("PUSH_REPLY,cipher AES-256-GCM,tun-mtu 1500,peer-id 7,ifconfig 10.8.0.6 255.255.255.0"),
	}}
	sess := newTestExchangeSession(t)
	cfg := Config{CipherList: []string{"AES-256-GCM"}, UseKeyMaterialExporters: true}
	ex := NewExchange(pump, sess, cfg)

	if err := advanceUntilDone(t, ex, 10); err != nil {
		t.Fatal(err)
	}

	if !sess.IsReady() {
		t.Fatal("expected session to be marked ready after key derivation")
	}
	pr := ex.PushReply()
	if pr == nil || pr.Cipher != "AES-256-GCM" || pr.PeerID != 7 {
		t.Fatalf("PushReply() = %+v", pr)
	}
	ti := sess.TunnelInfo()
	// MTU comes from the OCC exchange (InitTunnelInfo), not the push
	// reply: UpdateTunnelInfo only carries IP/GW/PeerID/NetMask, the
	// same split vpn/muxer.go's readAndLoadRemoteKey/readPushReply
	// pair uses.
	if ti.IP != "10.8.0.6" || ti.NetMask != "255.255.255.0" || ti.PeerID != 7 || ti.MTU != 1400 {
		t.Fatalf("TunnelInfo() = %+v", ti)
	}
	dck, err := sess.ActiveKey()
	if err != nil {
		t.Fatal(err)
	}
	material, err := dck.Derived()
	if err != nil {
		t.Fatal(err)
	}
	if len(material.CipherKeyLocal) != 32 || len(material.CipherKeyRemote) != 32 {
		t.Fatalf("material = %+v", material)
	}
	if len(pump.written) != 2 {
		t.Fatalf("written = %d calls, want 2 (KM2 blob, push request)", len(pump.written))
	}
}

func TestExchangeClassicPRFDerivation(t *testing.T) {
	pump := &fakePump{responses: [][]byte{
		remoteKM2Bytes(t),
		[]byte("PUSH_REPLY,tun-mtu 1500"),
	}}
	sess := newTestExchangeSession(t)
	ex := NewExchange(pump, sess, Config{})

	if err := advanceUntilDone(t, ex, 10); err != nil {
		t.Fatal(err)
	}
	dck, err := sess.ActiveKey()
	if err != nil {
		t.Fatal(err)
	}
	material, err := dck.Derived()
	if err != nil {
		t.Fatal(err)
	}
	if len(material.CipherKeyLocal) != 32 {
		t.Fatalf("CipherKeyLocal len = %d, want 32", len(material.CipherKeyLocal))
	}
}

func TestExchangeAuthFailed(t *testing.T) {
	pump := &fakePump{responses: [][]byte{
		remoteKM2Bytes(t),
		[]byte("AUTH_FAILED\x00"),
	}}
	sess := newTestExchangeSession(t)
	ex := NewExchange(pump, sess, Config{UseKeyMaterialExporters: true})

	err := advanceUntilDoneOrErr(ex, 10)
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
}

func TestExchangeRetriesOnUnparseablePushReply(t *testing.T) {
	pump := &fakePump{responses: [][]byte{
		remoteKM2Bytes(t),
		[]byte("SERVER_NOTICE,hello"),
		[]byte("PUSH_REPLY,tun-mtu 1500"),
	}}
	sess := newTestExchangeSession(t)
	ex := NewExchange(pump, sess, Config{UseKeyMaterialExporters: true})

	if err := advanceUntilDone(t, ex, 20); err != nil {
		t.Fatal(err)
	}
	if len(pump.written) != 3 {
		t.Fatalf("written = %d calls, want 3 (KM2, first push request, retried push request)", len(pump.written))
	}
}

func advanceUntilDoneOrErr(ex *Exchange, maxSteps int) error {
	for i := 0; i < maxSteps; i++ {
		if ex.Done() {
			return nil
		}
		if err := ex.Advance(); err != nil {
			return err
		}
	}
	return nil
}
