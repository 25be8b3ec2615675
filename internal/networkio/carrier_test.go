package networkio

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"
)

func TestCarrierUDPEnqueueDrainPoll(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewCarrier(client, UDP)
	if err := c.EnqueueOutgoing([]byte("hello")); err != nil {
		t.Fatal(err)
	}

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		done <- buf[:n]
	}()
	if err := c.DrainToSocket(time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	got := <-done
	if !bytes.Equal(got, []byte("hello")) {
		t.Fatalf("server got %q", got)
	}

	go func() {
		server.Write([]byte("world"))
	}()
	var payload []byte
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		p, ok, err := c.PollIncoming()
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			payload = p
			break
		}
	}
	if !bytes.Equal(payload, []byte("world")) {
		t.Fatalf("PollIncoming() = %q, want %q", payload, "world")
	}
}

func TestCarrierTCPFraming(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewCarrier(client, TCP)
	if err := c.EnqueueOutgoing([]byte("abc")); err != nil {
		t.Fatal(err)
	}

	recv := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		total := 0
		for total < 5 {
			n, err := server.Read(buf[total:])
			if err != nil {
				break
			}
			total += n
		}
		recv <- buf[:total]
	}()
	if err := c.DrainToSocket(time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	framed := <-recv
	want := []byte{0x00, 0x03, 'a', 'b', 'c'}
	if !bytes.Equal(framed, want) {
		t.Fatalf("framed = %v, want %v", framed, want)
	}
}

func TestCarrierTCPReassemblesSplitWrites(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewCarrier(server, TCP)

	frame := append([]byte{0x00, 0x04}, []byte("data")...)
	go func() {
		client.Write(frame[:3])
		time.Sleep(10 * time.Millisecond)
		client.Write(frame[3:])
	}()

	var got []byte
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		p, ok, err := c.PollIncoming()
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			got = p
			break
		}
	}
	if !bytes.Equal(got, []byte("data")) {
		t.Fatalf("got %q, want %q", got, "data")
	}
}

func TestCarrierWaitReadableRespectsContext(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewCarrier(client, UDP)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.WaitReadable(ctx); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestCarrierWaitReadableUnblocksOnData(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewCarrier(client, UDP)
	go func() {
		time.Sleep(20 * time.Millisecond)
		server.Write([]byte("ping"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitReadable(ctx); err != nil {
		t.Fatal(err)
	}
	payload, ok, err := c.PollIncoming()
	if err != nil || !ok {
		t.Fatalf("PollIncoming() = %v, %v, %v", payload, ok, err)
	}
	if !bytes.Equal(payload, []byte("ping")) {
		t.Fatalf("payload = %q", payload)
	}
}
