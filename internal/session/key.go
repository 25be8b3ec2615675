package session

import (
	"crypto/rand"
	"errors"
)

// KeySource is the 112-byte random material each side contributes to
// an OpenVPN "key method 2" exchange (spec.md §4.H): a 48-byte
// pre-master secret plus two 32-byte nonces. Only the client-sent
// KeySource carries a real pre-master secret; key derivation combines
// both sides' KeySources with the session IDs via either a TLS
// exporter or the classic PRF (see internal/tlssession).
type KeySource struct {
	PreMaster [48]byte
	Random1   [32]byte
	Random2   [32]byte
}

// Bytes serializes a KeySource in wire order: pre-master, random1,
// random2.
func (k KeySource) Bytes() []byte {
	out := make([]byte, 0, 112)
	out = append(out, k.PreMaster[:]...)
	out = append(out, k.Random1[:]...)
	out = append(out, k.Random2[:]...)
	return out
}

// ErrMalformedKeySource indicates a KeySource blob of the wrong size.
var ErrMalformedKeySource = errors.New("session: malformed key source")

// ParseKeySource parses the wire form produced by Bytes.
func ParseKeySource(b []byte) (KeySource, error) {
	var k KeySource
	if len(b) != 112 {
		return k, ErrMalformedKeySource
	}
	copy(k.PreMaster[:], b[0:48])
	copy(k.Random1[:], b[48:80])
	copy(k.Random2[:], b[80:112])
	return k, nil
}

// NewKeySource generates a fresh, locally-contributed KeySource using
// crypto/rand.
func NewKeySource() (KeySource, error) {
	var k KeySource
	if _, err := rand.Read(k.PreMaster[:]); err != nil {
		return k, err
	}
	if _, err := rand.Read(k.Random1[:]); err != nil {
		return k, err
	}
	if _, err := rand.Read(k.Random2[:]); err != nil {
		return k, err
	}
	return k, nil
}

// DataChannelKey holds the local and (once received) remote KeySource
// for one key slot, and the data-plane key material derived from
// them. The zero value is not ready; Ready reports whether the remote
// KeySource has arrived, and Derived whether derivation has run.
type DataChannelKey struct {
	local  KeySource
	remote KeySource

	haveRemote bool
	derived    *DataChannelKeyMaterial
}

// errDataChannelKey is the base error for DataChannelKey misuse.
var errDataChannelKey = errors.New("session: data channel key")

// ErrKeyNotReady indicates the key material hasn't been derived yet
// (SetDerived hasn't been called).
var ErrKeyNotReady = errors.New("session: key not ready")

// SetRemote records the KeySource the peer sent in its KM2 reply.
func (k *DataChannelKey) SetRemote(remote KeySource) {
	k.remote = remote
	k.haveRemote = true
}

// Local returns this side's KeySource, generating one on first call.
func (k *DataChannelKey) Local() (KeySource, error) {
	if k.local == (KeySource{}) {
		local, err := NewKeySource()
		if err != nil {
			return KeySource{}, err
		}
		k.local = local
	}
	return k.local, nil
}

// Ready reports whether the remote KeySource has been set.
func (k *DataChannelKey) Ready() bool {
	return k.haveRemote
}

// DataChannelKeyMaterial is the expanded key block derived from a
// DataChannelKey, the four-cipher-key/two-HMAC-key layout OpenVPN's
// key method 2 derivation produces. This module's data channel is
// AEAD-only (AES-GCM), which authenticates in-band and has no real
// HMAC key; the HMAC slots instead carry each direction's 4-byte
// implicit IV prefix, combined with the packet id to build the GCM
// nonce (internal/datachannel).
type DataChannelKeyMaterial struct {
	CipherKeyLocal  []byte
	CipherKeyRemote []byte
	HMACKeyLocal    []byte
	HMACKeyRemote   []byte
}

// SetDerived stores the key material computed by
// internal/keyexchange once both KeySources and the negotiated
// cipher's key size are known.
func (k *DataChannelKey) SetDerived(m *DataChannelKeyMaterial) {
	k.derived = m
}

// Derived returns the previously computed key material.
func (k *DataChannelKey) Derived() (*DataChannelKeyMaterial, error) {
	if k.derived == nil {
		return nil, ErrKeyNotReady
	}
	return k.derived, nil
}
