// Package datachannel implements the AES-GCM data plane that carries
// tunnel payload once the key exchange reaches Established (spec.md
// §4.I). It is grounded on vpn/crypto.go's dataCipherAES GCM branch
// (aes.NewCipher, cipher.NewGCM, aesGCM.Seal/Open with the
// opcode/key-id byte as associated data) and on the teacher's own
// internal/datachannel/service.go, whose writePacket/readPacket/
// setupKeys methods this package reimplements as a synchronous,
// non-blocking EncryptWrite/DecryptRead pair instead of the teacher's
// channel-and-goroutine worker trio (spec.md §5 forbids implicit
// background workers).
package datachannel

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// nonceSize is the AEAD nonce width spec.md §4.I specifies:
// iv_prefix(4) || packet_id(4). This is smaller than AES-GCM's
// conventional 12-byte nonce (vpn/crypto.go requires exactly that),
// so this module builds GCM with an explicit 8-byte nonce size
// instead of the default.
const nonceSize = 8

// ErrCipherNotNegotiated indicates EncryptWrite/DecryptRead ran before
// key material was derived and installed (spec.md §4.I).
var ErrCipherNotNegotiated = errors.New("datachannel: cipher not negotiated")

// aeadCipher wraps one direction's AES-GCM state: the block cipher
// keyed with that direction's CipherKey, and the 4-byte implicit IV
// prefix carried in the corresponding HMAC key slot (see
// internal/session.DataChannelKeyMaterial's doc comment).
type aeadCipher struct {
	aead     cipher.AEAD
	ivPrefix [4]byte
}

// newAEADCipher builds one direction's AEAD state from its key
// material. key must be a valid AES key length (16, 24 or 32 bytes);
// ivPrefix may be shorter than 4 bytes (zero-padded) if the
// negotiated HMAC slot was sized smaller, which never happens with
// this module's own key derivation but is tolerated defensively for
// material derived elsewhere.
func newAEADCipher(key, ivPrefix []byte) (*aeadCipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("datachannel: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("datachannel: %w", err)
	}
	c := &aeadCipher{aead: aead}
	copy(c.ivPrefix[:], ivPrefix)
	return c, nil
}

// nonce builds the per-packet AEAD nonce: this direction's 4-byte
// implicit IV prefix followed by the 4-byte big-endian packet id
// (spec.md §4.I). The packet id must never repeat for a given key,
// the same invariant vpn/crypto.go's comment on its own IV
// construction calls out.
func (c *aeadCipher) nonce(packetID uint32) []byte {
	n := make([]byte, nonceSize)
	copy(n[0:4], c.ivPrefix[:])
	n[4] = byte(packetID >> 24)
	n[5] = byte(packetID >> 16)
	n[6] = byte(packetID >> 8)
	n[7] = byte(packetID)
	return n
}

// seal encrypts plaintext under packetID and ad, appending the GCM
// tag.
func (c *aeadCipher) seal(packetID uint32, plaintext, ad []byte) []byte {
	return c.aead.Seal(nil, c.nonce(packetID), plaintext, ad)
}

// ErrAuthTagMismatch indicates GCM authentication failed: the
// ciphertext or associated data was tampered with, or the wrong key
// was used.
var ErrAuthTagMismatch = errors.New("datachannel: authentication tag mismatch")

// open decrypts ciphertext (tag included) under packetID and ad.
func (c *aeadCipher) open(packetID uint32, ciphertext, ad []byte) ([]byte, error) {
	plaintext, err := c.aead.Open(nil, c.nonce(packetID), ciphertext, ad)
	if err != nil {
		return nil, ErrAuthTagMismatch
	}
	return plaintext, nil
}
