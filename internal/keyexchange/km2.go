package keyexchange

import (
	"github.com/quietpath/ovpncore/internal/bytesx"
	"github.com/quietpath/ovpncore/internal/session"
)

// keyMethod2Marker is the literal 32-bit zero marker that precedes
// the KeySource in a key-method-2 blob (spec.md §4.H).
const keyMethod2Marker = 0x00000000

// km2Blob is one side's key-method-2 payload, exchanged inside TLS:
// the marker, the 112-byte KeySource, the OCC options string, and the
// (possibly empty) username/password pair.
type km2Blob struct {
	KeySource session.KeySource
	Options   string
	Username  string
	Password  string
}

// Marshal serializes a km2Blob in the wire order spec.md §4.H
// describes.
func (b km2Blob) Marshal() ([]byte, error) {
	opts, err := bytesx.EncodeOptionString(b.Options)
	if err != nil {
		return nil, err
	}
	w := bytesx.NewWriter(4 + 112 + len(opts) + 2 + len(b.Username) + 2 + len(b.Password))
	w.WriteUint32(keyMethod2Marker)
	w.WriteBytes(b.KeySource.Bytes())
	w.WriteBytes(opts)
	if err := w.WriteLengthPrefixed16([]byte(b.Username)); err != nil {
		return nil, err
	}
	if err := w.WriteLengthPrefixed16([]byte(b.Password)); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// parseKM2Blob is the inverse of Marshal.
func parseKM2Blob(buf []byte) (km2Blob, error) {
	var b km2Blob
	r := bytesx.NewReader(buf)

	marker, err := r.ReadUint32()
	if err != nil || marker != keyMethod2Marker {
		return b, ErrOptionsFormat
	}

	ksBytes, err := r.ReadBytes(112)
	if err != nil {
		return b, ErrOptionsFormat
	}
	ks, err := session.ParseKeySource(ksBytes)
	if err != nil {
		return b, ErrOptionsFormat
	}
	b.KeySource = ks

	optBytes, err := r.ReadLengthPrefixed16()
	if err != nil || len(optBytes) == 0 || optBytes[len(optBytes)-1] != 0 {
		return b, ErrOptionsFormat
	}
	b.Options = string(optBytes[:len(optBytes)-1])

	username, err := r.ReadLengthPrefixed16()
	if err != nil {
		return b, ErrOptionsFormat
	}
	b.Username = string(username)

	password, err := r.ReadLengthPrefixed16()
	if err != nil {
		return b, ErrOptionsFormat
	}
	b.Password = string(password)

	return b, nil
}
