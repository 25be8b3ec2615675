// Package mocks provides hand-rolled test doubles for the interfaces
// this module drives against a real network or a real TLS stack, so
// package tests can exercise edge cases (partial reads, write errors,
// closed conns) without a real socket.
//
// Grounded on the teacher's vpn/mocks package (referenced throughout
// vpn/transport_test.go and vpn/tls_test.go as mocks.Conn/mocks.Addr,
// each field a swappable Mock* function so a test only overrides the
// methods it cares about) — the defining file itself was not
// retrieved, so this package reconstructs the same shape from its call
// sites.
package mocks

import (
	"net"
	"time"
)

// Addr is a net.Addr test double.
type Addr struct {
	MockNetwork func() string
	MockString  func() string
}

var _ net.Addr = &Addr{}

func (a *Addr) Network() string {
	if a.MockNetwork != nil {
		return a.MockNetwork()
	}
	return "mock"
}

func (a *Addr) String() string {
	if a.MockString != nil {
		return a.MockString()
	}
	return "mock-addr"
}

// Conn is a net.Conn test double: every method delegates to a Mock*
// field when set, and otherwise returns an innocuous zero value.
type Conn struct {
	MockRead             func(b []byte) (int, error)
	MockWrite            func(b []byte) (int, error)
	MockClose            func() error
	MockLocalAddr        func() net.Addr
	MockRemoteAddr       func() net.Addr
	MockSetDeadline      func(t time.Time) error
	MockSetReadDeadline  func(t time.Time) error
	MockSetWriteDeadline func(t time.Time) error
}

var _ net.Conn = &Conn{}

func (c *Conn) Read(b []byte) (int, error) {
	if c.MockRead != nil {
		return c.MockRead(b)
	}
	return 0, nil
}

func (c *Conn) Write(b []byte) (int, error) {
	if c.MockWrite != nil {
		return c.MockWrite(b)
	}
	return len(b), nil
}

func (c *Conn) Close() error {
	if c.MockClose != nil {
		return c.MockClose()
	}
	return nil
}

func (c *Conn) LocalAddr() net.Addr {
	if c.MockLocalAddr != nil {
		return c.MockLocalAddr()
	}
	return &Addr{}
}

func (c *Conn) RemoteAddr() net.Addr {
	if c.MockRemoteAddr != nil {
		return c.MockRemoteAddr()
	}
	return &Addr{}
}

func (c *Conn) SetDeadline(t time.Time) error {
	if c.MockSetDeadline != nil {
		return c.MockSetDeadline(t)
	}
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	if c.MockSetReadDeadline != nil {
		return c.MockSetReadDeadline(t)
	}
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	if c.MockSetWriteDeadline != nil {
		return c.MockSetWriteDeadline(t)
	}
	return nil
}
