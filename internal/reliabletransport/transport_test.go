package reliabletransport

import (
	"errors"
	"testing"
	"time"

	"github.com/quietpath/ovpncore/internal/model"
	"github.com/quietpath/ovpncore/internal/session"
)

func newTestSession(t *testing.T) *session.Manager {
	t.Helper()
	sess, err := session.NewManager(model.NewConfig())
	if err != nil {
		t.Fatal(err)
	}
	sess.SetRemoteSessionID(model.SessionID{9, 9, 9, 9, 9, 9, 9, 9})
	return sess
}

var epoch = time.Unix(1700000000, 0)

func TestEnqueueOutboundRespectsWindow(t *testing.T) {
	tr := NewTransport(newTestSession(t), Config{SendWindow: 2, InitialTimeout: time.Second, MaxTimeout: time.Minute, MaxRetries: 5}, nil)
	if _, err := tr.EnqueueOutbound(model.P_CONTROL_V1, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.EnqueueOutbound(model.P_CONTROL_V1, []byte("b")); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.EnqueueOutbound(model.P_CONTROL_V1, []byte("c")); !errors.Is(err, ErrWindowFull) {
		t.Fatalf("err = %v, want ErrWindowFull", err)
	}
}

func TestOnTickSendsNewPacketsOnce(t *testing.T) {
	tr := NewTransport(newTestSession(t), NewConfig(), nil)
	p, err := tr.EnqueueOutbound(model.P_CONTROL_V1, []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	due, err := tr.OnTick(epoch)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != p.ID {
		t.Fatalf("due = %v", due)
	}
	// immediately ticking again (before the timeout) sends nothing new
	due, err = tr.OnTick(epoch.Add(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("expected no retransmit yet, got %v", due)
	}
}

func TestOnTickRetransmitsWithBackoff(t *testing.T) {
	cfg := Config{SendWindow: 4, InitialTimeout: 2 * time.Second, MaxTimeout: 60 * time.Second, MaxRetries: 5}
	tr := NewTransport(newTestSession(t), cfg, nil)
	if _, err := tr.EnqueueOutbound(model.P_CONTROL_V1, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.OnTick(epoch); err != nil {
		t.Fatal(err)
	}
	// first retransmit fires after InitialTimeout (2s)
	due, err := tr.OnTick(epoch.Add(2 * time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("expected one retransmit at 2s, got %v", due)
	}
	// right after the first retransmit, the doubled 4s backoff hasn't
	// elapsed yet: nothing due.
	due, err = tr.OnTick(epoch.Add(2*time.Second + time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 0 {
		t.Fatalf("expected no retransmit before doubled backoff elapses, got %v", due)
	}
	// once the full doubled 4s backoff has elapsed, it fires again.
	due, err = tr.OnTick(epoch.Add(2*time.Second + 4*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 {
		t.Fatalf("expected second retransmit after doubled backoff, got %v", due)
	}
}

func TestOnTickReportsControlTimeoutAfterMaxRetries(t *testing.T) {
	cfg := Config{SendWindow: 1, InitialTimeout: time.Second, MaxTimeout: time.Second, MaxRetries: 2}
	tr := NewTransport(newTestSession(t), cfg, nil)
	if _, err := tr.EnqueueOutbound(model.P_CONTROL_V1, []byte("x")); err != nil {
		t.Fatal(err)
	}
	now := epoch
	if _, err := tr.OnTick(now); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Second)
	if _, err := tr.OnTick(now); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Second)
	if _, err := tr.OnTick(now); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Second)
	if _, err := tr.OnTick(now); !errors.Is(err, ErrControlTimeout) {
		t.Fatalf("err = %v, want ErrControlTimeout", err)
	}
}

func TestHandleACKDrainsWindow(t *testing.T) {
	tr := NewTransport(newTestSession(t), NewConfig(), nil)
	p1, _ := tr.EnqueueOutbound(model.P_CONTROL_V1, []byte("a"))
	p2, _ := tr.EnqueueOutbound(model.P_CONTROL_V1, []byte("b"))
	tr.HandleACK([]model.PacketID{p1.ID})
	if tr.PendingCount() != 1 {
		t.Fatalf("PendingCount() = %d, want 1", tr.PendingCount())
	}
	tr.HandleACK([]model.PacketID{p2.ID})
	if tr.PendingCount() != 0 {
		t.Fatalf("PendingCount() = %d, want 0", tr.PendingCount())
	}
}

func TestHandleIncomingDeliversInOrder(t *testing.T) {
	tr := NewTransport(newTestSession(t), NewConfig(), nil)
	base := model.PacketID(5)
	p0 := &model.Packet{ID: base, Payload: []byte("zero")}
	p1 := &model.Packet{ID: base + 1, Payload: []byte("one")}
	p2 := &model.Packet{ID: base + 2, Payload: []byte("two")}

	// p1 arrives before p0: buffered, nothing delivered yet.
	if out := tr.HandleIncoming(p1); out != nil {
		t.Fatalf("expected nothing delivered yet, got %v", out)
	}
	// p2 arrives too: also buffered.
	if out := tr.HandleIncoming(p2); out != nil {
		t.Fatalf("expected nothing delivered yet, got %v", out)
	}
	// p0 closes the gap: all three deliver in order.
	out := tr.HandleIncoming(p0)
	if len(out) != 3 {
		t.Fatalf("out = %v", out)
	}
	if string(out[0]) != "zero" || string(out[1]) != "one" || string(out[2]) != "two" {
		t.Fatalf("out = %v", out)
	}
}

func TestHandleIncomingDropsDuplicate(t *testing.T) {
	tr := NewTransport(newTestSession(t), NewConfig(), nil)
	p := &model.Packet{ID: 1, Payload: []byte("a")}
	if out := tr.HandleIncoming(p); len(out) != 1 {
		t.Fatalf("first delivery = %v", out)
	}
	if out := tr.HandleIncoming(p); out != nil {
		t.Fatalf("expected duplicate to be dropped, got %v", out)
	}
}

func TestDrainACKDebtCapsAtEight(t *testing.T) {
	tr := NewTransport(newTestSession(t), NewConfig(), nil)
	for i := model.PacketID(0); i < 10; i++ {
		tr.HandleIncoming(&model.Packet{ID: i, Payload: []byte{byte(i)}})
	}
	first := tr.DrainACKDebt()
	if len(first) != 8 {
		t.Fatalf("len(first) = %d, want 8", len(first))
	}
	second := tr.DrainACKDebt()
	if len(second) != 2 {
		t.Fatalf("len(second) = %d, want 2", len(second))
	}
}
