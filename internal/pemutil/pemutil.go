// Package pemutil parses the PEM-encoded material the control-plane
// config accepts: X.509 certificates, PKCS#1/PKCS#8/EC private keys,
// and OpenVPN's own "OpenVPN Static key V1" hex block used for
// tls-crypt. It only parses bytes already in memory; reading
// certificate/key files from disk is the caller's job (spec.md's
// Non-goals exclude file-system/CLI concerns from this engine).
//
// Grounded on the teacher's vpn/tls_test.go, which builds an
// *x509.Certificate/*rsa.PrivateKey pair from a hardcoded PEM block via
// tls.X509KeyPair and github.com/google/martian/mitm, the same
// certificate-minting library this package's test suite uses to
// generate fixtures instead of checking in static PEM blobs.
package pemutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// ErrNoPEMBlock indicates the input contained no PEM block at all.
var ErrNoPEMBlock = errors.New("pemutil: no PEM block found")

// ParseCertificate decodes a single PEM-encoded X.509 certificate.
func ParseCertificate(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNoPEMBlock
	}
	if block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("pemutil: unexpected PEM block type %q, want CERTIFICATE", block.Type)
	}
	return x509.ParseCertificate(block.Bytes)
}

// ParsePrivateKey decodes a PEM-encoded private key, trying PKCS#1,
// PKCS#8 and SEC1/EC in turn, mirroring what crypto/tls.X509KeyPair
// does internally (the teacher drives that same function in
// vpn/tls_test.go; this wrapper exposes the parse step standalone so
// internal/tlssession can validate a key before pairing it with a
// certificate).
func ParsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrNoPEMBlock
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pemutil: unrecognized private key encoding: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("pemutil: PKCS#8 key of type %T is not a crypto.Signer", key)
	}
	switch signer.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
		return signer, nil
	default:
		return signer, nil
	}
}

// staticKeyV1Size is the payload size of an "OpenVPN Static key V1"
// block: 256 bytes in two 128-byte halves (one per direction), each a
// 64-byte cipher key region followed by a 64-byte HMAC key region.
const staticKeyV1Size = 256

// StaticKeyV1Header and StaticKeyV1Footer bound the hex block the way
// the reference implementation emits it with `openvpn --genkey`.
const (
	StaticKeyV1Header = "-----BEGIN OpenVPN Static key V1-----"
	StaticKeyV1Footer = "-----END OpenVPN Static key V1-----"
)

// ErrMalformedStaticKey indicates a static key block that is not
// exactly 256 bytes of hex once headers and whitespace are stripped.
var ErrMalformedStaticKey = errors.New("pemutil: malformed OpenVPN static key block")

// ParseStaticKeyV1 decodes an "OpenVPN Static key V1" block (used for
// tls-crypt / tls-auth) into its raw 256 bytes.
func ParseStaticKeyV1(data []byte) ([256]byte, error) {
	var out [256]byte
	text := string(data)
	start := strings.Index(text, StaticKeyV1Header)
	end := strings.Index(text, StaticKeyV1Footer)
	if start < 0 || end < 0 || end < start {
		return out, ErrNoPEMBlock
	}
	body := text[start+len(StaticKeyV1Header) : end]
	var hexDigits strings.Builder
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hexDigits.WriteString(line)
	}
	raw, err := hex.DecodeString(hexDigits.String())
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrMalformedStaticKey, err)
	}
	if len(raw) != staticKeyV1Size {
		return out, fmt.Errorf("%w: got %d bytes, want %d", ErrMalformedStaticKey, len(raw), staticKeyV1Size)
	}
	copy(out[:], raw)
	return out, nil
}
