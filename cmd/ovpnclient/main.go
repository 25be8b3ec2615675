// Command ovpnclient is a minimal demonstration of the ovpncore client:
// it dials a remote OpenVPN endpoint, completes the handshake, prints
// the pushed tunnel parameters and then relays whatever frames arrive
// until interrupted. It is not a replacement for a real OpenVPN client
// (no tun device is opened, no routes are installed) — see spec.md's
// Non-goals for "a command-line shell for sysadmins".
package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/apex/log"
	"github.com/pborman/getopt/v2"

	"github.com/quietpath/ovpncore"
)

func main() {
	optRemote := getopt.StringLong("remote", 'r', "", "remote host:port to dial")
	optProto := getopt.StringLong("proto", 'p', "udp", "transport protocol (udp, tcp)")
	optCert := getopt.StringLong("cert", 'c', "", "path to the client certificate (PEM)")
	optKey := getopt.StringLong("key", 'k', "", "path to the client private key (PEM)")
	optCA := getopt.StringLong("ca", 'a', "", "path to the CA bundle (PEM)")
	optTLSCrypt := getopt.StringLong("tls-crypt", 't', "", "path to a tls-crypt static key (PEM)")
	optInsecure := getopt.BoolLong("insecure", 'i', "skip TLS certificate verification")
	optTimeout := getopt.DurationLong("timeout", 0, 30*time.Second, "handshake timeout")
	getopt.Parse()

	if *optRemote == "" {
		log.Fatal("ovpnclient: -remote is required")
	}

	cfg := ovpncore.Config{
		Remote:   *optRemote,
		Protocol: *optProto,
		Logger:   log.Log,
	}
	if *optCert != "" || *optKey != "" || *optCA != "" {
		cfg.ControlCrypto = ovpncore.ControlCrypto{
			Cert:               mustRead(*optCert),
			Key:                mustRead(*optKey),
			CA:                 mustRead(*optCA),
			InsecureSkipVerify: *optInsecure,
		}
	}
	if *optTLSCrypt != "" {
		cfg.ControlWrapper = &ovpncore.ControlWrapper{StaticKeyPEM: mustRead(*optTLSCrypt)}
	}

	client, err := ovpncore.Dial(cfg)
	if err != nil {
		log.WithError(err).Fatal("ovpnclient: dial failed")
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *optTimeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		log.WithError(err).Fatal("ovpnclient: handshake failed")
	}
	log.Info("ovpnclient: session established")

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	for {
		if err := client.Receive(sigCtx); err != nil {
			if sigCtx.Err() != nil {
				log.Info("ovpnclient: interrupted, closing")
				return
			}
			log.WithError(err).Error("ovpnclient: receive failed")
			return
		}
		for {
			pkt, ok := client.Read()
			if !ok {
				break
			}
			switch pkt.Kind {
			case ovpncore.InboundConnect:
				c := pkt.Connect
				log.Infof("ovpnclient: pushed address=%s gateway=%s netmask=%s mtu=%d peer-id=%d",
					c.IP, c.Gateway, c.NetMask, c.MTU, c.PeerID)
			case ovpncore.InboundData:
				layer := "no layer type"
				if pkt.Frame.LayerType != nil {
					layer = pkt.Frame.LayerType()
				}
				log.Infof("ovpnclient: received %d bytes (%s)", len(pkt.Frame.Payload), layer)
			}
		}
	}
}

func mustRead(path string) []byte {
	if path == "" {
		return nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		log.WithError(err).Fatalf("ovpnclient: cannot read %s", path)
	}
	return b
}
