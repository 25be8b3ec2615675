// Package extras holds small demonstrations built on top of ovpncore,
// not part of the protocol engine itself.
package extras

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/quietpath/ovpncore"
)

// Pinger sends ICMPv4 echo requests over an already-Connected
// ovpncore.Client and measures round-trip time, the way a real client
// would exercise its own tunnel before handing it to an application.
//
// Grounded on extras/pinger.go's own Pinger: same fields and
// printStats/newIcmpData/parseEchoReply shape, adapted from blocking
// conn.Write/conn.Read calls on a vpn.RawDialer-obtained net.Conn to
// ovpncore.Client's Write/Send/Receive/Read step API (spec.md §5: no
// implicit blocking I/O, the caller drives every step).
type Pinger struct {
	client *ovpncore.Client
	host   string
	id     int

	Count    int
	Interval time.Duration

	samples []sample
}

type sample struct {
	rtt float32
	ttl uint8
}

// NewPinger builds a Pinger that sends count echo requests to host
// over client, which must already have completed Connect.
func NewPinger(client *ovpncore.Client, host string, count int) *Pinger {
	return &Pinger{
		client:   client,
		host:     host,
		id:       int(time.Now().Unix()) & 0xffff,
		Count:    count,
		Interval: time.Second,
	}
}

// Run sends Count echo requests, one per Interval, and waits up to
// Interval for each reply before moving to the next. It returns the
// first hard error Write/Send/Receive reports; a reply that never
// arrives within the interval is simply not counted, not an error.
func (p *Pinger) Run(ctx context.Context) error {
	localIP := net.ParseIP("0.0.0.0")
	dstIP := net.ParseIP(p.host)
	if dstIP == nil {
		return fmt.Errorf("extras: invalid ping target %q", p.host)
	}

	for seq := 0; seq < p.Count; seq++ {
		packet, err := newICMPEcho(localIP, dstIP, 64, seq, p.id)
		if err != nil {
			return err
		}
		if err := p.client.Write(packet); err != nil {
			return err
		}
		start := time.Now()
		if err := p.client.Send(ctx); err != nil {
			return err
		}

		deadline, cancel := context.WithTimeout(ctx, p.Interval)
		for {
			if err := p.client.Receive(deadline); err != nil {
				if ctx.Err() == nil && deadline.Err() != nil {
					break // the interval elapsed without a reply
				}
				cancel()
				return err
			}
			if pkt, ok := p.client.Read(); ok && pkt.Kind == ovpncore.InboundData {
				if rtt, ttl, ok := parseEchoReply(pkt.Frame.Payload, p.host, p.id, start); ok {
					p.samples = append(p.samples, sample{rtt, ttl})
					break
				}
			}
		}
		cancel()
	}
	return nil
}

// Stats returns the round-trip times recorded so far, one per reply
// actually received.
func (p *Pinger) Stats() []float32 {
	rtts := make([]float32, len(p.samples))
	for i, s := range p.samples {
		rtts[i] = s.rtt
	}
	return rtts
}

// PrintSummary writes a ping-style summary line to stdout.
func (p *Pinger) PrintSummary() {
	if len(p.samples) == 0 {
		fmt.Printf("--- %s ping statistics ---\n0 packets received\n", p.host)
		return
	}
	var sum, min, max float32
	min = p.samples[0].rtt
	for _, s := range p.samples {
		sum += s.rtt
		if s.rtt < min {
			min = s.rtt
		}
		if s.rtt > max {
			max = s.rtt
		}
	}
	avg := sum / float32(len(p.samples))
	var variance float64
	for _, s := range p.samples {
		variance += math.Pow(float64(s.rtt-avg), 2)
	}
	stddev := math.Sqrt(variance / float64(len(p.samples)))
	loss := 100 * (1 - float64(len(p.samples))/float64(p.Count))
	fmt.Printf("--- %s ping statistics ---\n", p.host)
	fmt.Printf("%d packets transmitted, %d received, %.0f%% packet loss\n", p.Count, len(p.samples), loss)
	fmt.Printf("rtt min/avg/max/stddev = %.3f/%.3f/%.3f/%.3f ms\n", min, avg, max, stddev)
}

// newICMPEcho serializes an IPv4 + ICMPv4 echo-request packet ready to
// hand to ovpncore.Client.Write, the payload shape a tun device would
// hand the kernel on a real echo request.
func newICMPEcho(src, dst net.IP, ttl, seq, id int) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      uint8(ttl),
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    src,
		DstIP:    dst,
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       uint16(id),
		Seq:      uint16(seq),
	}
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, uint64(time.Now().UnixNano()))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, icmp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("extras: %w", err)
	}
	return buf.Bytes(), nil
}

// parseEchoReply decodes d as an IPv4+ICMPv4 echo reply and reports
// whether it matches id and came from host, along with its measured
// round-trip time.
func parseEchoReply(d []byte, host string, id int, start time.Time) (rtt float32, ttl uint8, ok bool) {
	var ip layers.IPv4
	var icmp layers.ICMPv4
	var payload gopacket.Payload
	var decoded []gopacket.LayerType
	parser := gopacket.NewDecodingLayerParser(layers.LayerTypeIPv4, &ip, &icmp, &payload)
	if err := parser.DecodeLayers(d, &decoded); err != nil {
		return 0, 0, false
	}

	var sawIP, sawICMP bool
	for _, lt := range decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			sawIP = ip.SrcIP.String() == host
		case layers.LayerTypeICMPv4:
			sawICMP = icmp.Id == uint16(id) &&
				icmp.TypeCode.Type() == layers.ICMPv4TypeEchoReply
		}
	}
	if !sawIP || !sawICMP {
		return 0, 0, false
	}
	return float32(time.Since(start)) / float32(time.Millisecond), ip.TTL, true
}
