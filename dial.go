package ovpncore

import (
	"context"
	"net"
)

// Dial opens the underlying net.Conn to cfg.Remote over cfg.Protocol
// and wraps it in a Client. It is the non-context counterpart of
// DialContext, mirroring the teacher's vpn.NewRawDialer(opts).Dial
// pattern visible from cmd/vpnping/main.go's call site (RawDialer's
// own defining file never made it into the retrieved snapshot).
func Dial(cfg Config) (*Client, error) {
	return DialContext(context.Background(), cfg)
}

// DialContext is Dial with a context controlling only the TCP/UDP
// connect step; Connect still needs its own ctx argument to bound the
// handshake that follows.
func DialContext(ctx context.Context, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	var d net.Dialer
	conn, err := d.DialContext(ctx, cfg.Protocol, cfg.Remote)
	if err != nil {
		return nil, err
	}
	client, err := NewClient(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}
