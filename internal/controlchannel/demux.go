// Package controlchannel implements the session demuxer spec.md §4.G
// describes: one underlying packet stream shared by several
// consumers, each registered for a disjoint set of opcodes. A
// consumer's Read returns the next packet addressed to it; packets
// for other consumers are routed (cloned) into their own queues.
// Writes are delegated straight through to the shared sink, since the
// session envelope and transport are common to every consumer.
//
// Grounded on vpn/muxer.go's handleIncomingPacket, whose
// isControl()/isACK()/isData() branches are exactly this
// single-consumer-inline version of the same dispatch; this package
// generalizes that inline switch into an explicit registration API so
// more than one consumer (the key-exchange state machine and the data
// channel) can share one packet stream without the muxer hand-wiring
// every branch itself.
package controlchannel

import (
	"errors"

	"github.com/quietpath/ovpncore/internal/model"
)

// ErrOpcodeAlreadyRegistered indicates an opcode in a Register call
// was already claimed by another consumer.
var ErrOpcodeAlreadyRegistered = errors.New("controlchannel: opcode already registered")

// ErrNoConsumerForOpcode indicates Dispatch received a packet whose
// opcode no consumer registered for.
var ErrNoConsumerForOpcode = errors.New("controlchannel: no consumer registered for opcode")

// Sink is the shared destination for outbound packets from any
// consumer. The top-level Client is the Sink in use: its WritePacket
// wraps each packet and queues it on internal/networkio.Carrier.
type Sink interface {
	WritePacket(p *model.Packet) error
}

// Demux routes incoming packets to the consumer registered for their
// opcode and delegates outbound writes to a shared Sink.
type Demux struct {
	sink      Sink
	consumers map[model.Opcode]*Consumer
}

// NewDemux builds a Demux writing through sink.
func NewDemux(sink Sink) *Demux {
	return &Demux{sink: sink, consumers: make(map[model.Opcode]*Consumer)}
}

// Register claims a disjoint set of opcodes for a new Consumer. It
// fails with ErrOpcodeAlreadyRegistered if any opcode is already
// claimed, leaving the Demux unchanged.
func (d *Demux) Register(opcodes ...model.Opcode) (*Consumer, error) {
	for _, op := range opcodes {
		if _, taken := d.consumers[op]; taken {
			return nil, ErrOpcodeAlreadyRegistered
		}
	}
	c := &Consumer{demux: d, opcodes: make(map[model.Opcode]bool, len(opcodes))}
	for _, op := range opcodes {
		c.opcodes[op] = true
		d.consumers[op] = c
	}
	return c, nil
}

// Dispatch routes one incoming packet to its registered consumer. The
// driver calls this once per packet read off the wire, before
// internal/reliabletransport sees it: control packets wait in their
// consumer's buffer until the driver feeds them to reliabletransport
// for ordering and ACKs. Dispatch itself never performs I/O.
func (d *Demux) Dispatch(p *model.Packet) error {
	c, ok := d.consumers[p.Opcode]
	if !ok {
		return ErrNoConsumerForOpcode
	}
	c.queue = append(c.queue, p.Clone())
	return nil
}

// Consumer is one registered opcode-set subscriber.
type Consumer struct {
	demux   *Demux
	opcodes map[model.Opcode]bool
	queue   []*model.Packet
}

// Read pops the next packet addressed to this consumer, if any. It
// never blocks: per spec.md §5 this is a non-blocking operation, and
// the driver is responsible for calling Demux.Dispatch to feed new
// packets in before polling Read again.
func (c *Consumer) Read() (*model.Packet, bool) {
	if len(c.queue) == 0 {
		return nil, false
	}
	p := c.queue[0]
	c.queue = c.queue[1:]
	return p, true
}

// Write delegates straight through to the shared Sink.
func (c *Consumer) Write(p *model.Packet) error {
	return c.demux.sink.WritePacket(p)
}

// Owns reports whether opcode belongs to this consumer's registered
// set.
func (c *Consumer) Owns(opcode model.Opcode) bool {
	return c.opcodes[opcode]
}
