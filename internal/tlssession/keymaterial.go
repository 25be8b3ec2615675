package tlssession

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"hash"
)

// ExportClassicKeyMaterial derives key material the same way OpenVPN's
// own pre-TLS-1.3 key derivation does, for peers that don't negotiate
// RFC 5705 exporters (spec.md §4.F's fallback path). It is the
// module's TLS-1.0 PRF lifted nearly verbatim from the teacher's
// vpn/crypto.go, which itself carries it over from Go's own
// crypto/tls/prf.go (BSD-3-Clause) — this module keeps that
// attribution rather than re-deriving the same construction.
//
// SPDX-License-Identifier: BSD-3-Clause
func ExportClassicKeyMaterial(secret, label, clientSeed, serverSeed, clientSid, serverSid []byte, length int) []byte {
	seed := append(append([]byte{}, clientSeed...), serverSeed...)
	if len(clientSid) != 0 {
		seed = append(seed, clientSid...)
	}
	if len(serverSid) != 0 {
		seed = append(seed, serverSid...)
	}
	result := make([]byte, length)
	return prf10(result, secret, label, seed)
}

// prf10 implements the TLS 1.0 pseudo-random function (RFC 2246 §5).
func prf10(result, secret, label, seed []byte) []byte {
	labelAndSeed := make([]byte, len(label)+len(seed))
	copy(labelAndSeed, label)
	copy(labelAndSeed[len(label):], seed)

	s1, s2 := splitSecret(secret)
	pHash(result, s1, labelAndSeed, md5.New)
	result2 := make([]byte, len(result))
	pHash(result2, s2, labelAndSeed, sha1.New)
	for i, b := range result2 {
		result[i] ^= b
	}
	return result
}

// splitSecret splits a premaster secret in two, as specified in RFC
// 4346 §5.
func splitSecret(secret []byte) (s1, s2 []byte) {
	s1 = secret[0 : (len(secret)+1)/2]
	s2 = secret[len(secret)/2:]
	return
}

// pHash implements the P_hash function (RFC 4346 §5).
func pHash(result, secret, seed []byte, newHash func() hash.Hash) {
	h := hmac.New(newHash, secret)
	h.Write(seed)
	a := h.Sum(nil)
	j := 0
	for j < len(result) {
		h.Reset()
		h.Write(a)
		h.Write(seed)
		b := h.Sum(nil)
		copy(result[j:], b)
		j += len(b)
		h.Reset()
		h.Write(a)
		a = h.Sum(nil)
	}
}
