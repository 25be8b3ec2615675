package controlchannel

import (
	"errors"
	"testing"

	"github.com/quietpath/ovpncore/internal/model"
)

type fakeSink struct {
	written []*model.Packet
}

func (f *fakeSink) WritePacket(p *model.Packet) error {
	f.written = append(f.written, p)
	return nil
}

func TestRegisterRejectsOverlappingOpcodes(t *testing.T) {
	d := NewDemux(&fakeSink{})
	if _, err := d.Register(model.P_CONTROL_V1, model.P_ACK_V1); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Register(model.P_DATA_V2, model.P_ACK_V1); !errors.Is(err, ErrOpcodeAlreadyRegistered) {
		t.Fatalf("err = %v, want ErrOpcodeAlreadyRegistered", err)
	}
	// the failed registration must not have left a partial claim behind
	if _, err := d.Register(model.P_DATA_V2); err != nil {
		t.Fatal(err)
	}
}

func TestDispatchRoutesToOwningConsumer(t *testing.T) {
	d := NewDemux(&fakeSink{})
	control, err := d.Register(model.P_CONTROL_V1)
	if err != nil {
		t.Fatal(err)
	}
	data, err := d.Register(model.P_DATA_V2)
	if err != nil {
		t.Fatal(err)
	}

	if err := d.Dispatch(&model.Packet{Opcode: model.P_CONTROL_V1, Payload: []byte("hello")}); err != nil {
		t.Fatal(err)
	}
	if err := d.Dispatch(&model.Packet{Opcode: model.P_DATA_V2, Payload: []byte("world")}); err != nil {
		t.Fatal(err)
	}

	p, ok := control.Read()
	if !ok || string(p.Payload) != "hello" {
		t.Fatalf("control.Read() = %v, %v", p, ok)
	}
	if _, ok := control.Read(); ok {
		t.Fatal("expected control queue to be empty")
	}

	p, ok = data.Read()
	if !ok || string(p.Payload) != "world" {
		t.Fatalf("data.Read() = %v, %v", p, ok)
	}
}

func TestDispatchUnclaimedOpcodeFails(t *testing.T) {
	d := NewDemux(&fakeSink{})
	if _, err := d.Register(model.P_CONTROL_V1); err != nil {
		t.Fatal(err)
	}
	err := d.Dispatch(&model.Packet{Opcode: model.P_ACK_V1})
	if !errors.Is(err, ErrNoConsumerForOpcode) {
		t.Fatalf("err = %v, want ErrNoConsumerForOpcode", err)
	}
}

func TestDispatchClonesPacketIntoConsumerQueue(t *testing.T) {
	d := NewDemux(&fakeSink{})
	c, err := d.Register(model.P_CONTROL_V1)
	if err != nil {
		t.Fatal(err)
	}
	original := &model.Packet{Opcode: model.P_CONTROL_V1, Payload: []byte("hello")}
	if err := d.Dispatch(original); err != nil {
		t.Fatal(err)
	}
	original.Payload[0] = 'H'

	p, ok := c.Read()
	if !ok {
		t.Fatal("expected a packet")
	}
	if string(p.Payload) != "hello" {
		t.Fatalf("Payload = %q, want unaffected by later mutation of the original", p.Payload)
	}
}

func TestConsumerWriteDelegatesToSink(t *testing.T) {
	sink := &fakeSink{}
	d := NewDemux(sink)
	c, err := d.Register(model.P_CONTROL_V1)
	if err != nil {
		t.Fatal(err)
	}
	p := &model.Packet{Opcode: model.P_CONTROL_V1, Payload: []byte("out")}
	if err := c.Write(p); err != nil {
		t.Fatal(err)
	}
	if len(sink.written) != 1 || sink.written[0] != p {
		t.Fatalf("sink.written = %v", sink.written)
	}
}

func TestConsumerOwns(t *testing.T) {
	d := NewDemux(&fakeSink{})
	c, err := d.Register(model.P_CONTROL_V1, model.P_CONTROL_HARD_RESET_SERVER_V2)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Owns(model.P_CONTROL_V1) || !c.Owns(model.P_CONTROL_HARD_RESET_SERVER_V2) {
		t.Fatal("expected consumer to own its registered opcodes")
	}
	if c.Owns(model.P_ACK_V1) {
		t.Fatal("expected consumer not to own an unregistered opcode")
	}
}

func TestFIFOOrderingWithinOneConsumer(t *testing.T) {
	d := NewDemux(&fakeSink{})
	c, err := d.Register(model.P_CONTROL_V1)
	if err != nil {
		t.Fatal(err)
	}
	d.Dispatch(&model.Packet{Opcode: model.P_CONTROL_V1, Payload: []byte("1")})
	d.Dispatch(&model.Packet{Opcode: model.P_CONTROL_V1, Payload: []byte("2")})
	d.Dispatch(&model.Packet{Opcode: model.P_CONTROL_V1, Payload: []byte("3")})

	for _, want := range []string{"1", "2", "3"} {
		p, ok := c.Read()
		if !ok || string(p.Payload) != want {
			t.Fatalf("Read() = %v, %v, want %q", p, ok, want)
		}
	}
	if _, ok := c.Read(); ok {
		t.Fatal("expected queue drained")
	}
}
