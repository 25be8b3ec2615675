package tlssession

// PlainCrypto is the null Pump variant spec.md §4.F calls for: it
// pipes WriteInput straight through to ReadOutput and WriteOutput
// straight through to PollRead, with no handshake and no encryption.
// Exists purely so control-channel and key-exchange tests can drive
// the byte-pump contract without paying for a real TLS handshake.
type PlainCrypto struct {
	toWire  *byteQueue // WriteInput -> ReadOutput
	toApp   *byteQueue // WriteOutput -> StartRead/PollRead
	pending *readOutcome
}

// NewPlainCrypto returns a ready-to-use PlainCrypto pump.
func NewPlainCrypto() *PlainCrypto {
	return &PlainCrypto{toWire: newByteQueue(), toApp: newByteQueue()}
}

func (p *PlainCrypto) StartHandshake() {}

func (p *PlainCrypto) PollHandshake() (bool, error) { return true, nil }

func (p *PlainCrypto) WriteOutput(ciphertext []byte) { p.toApp.push(ciphertext) }

func (p *PlainCrypto) ReadOutput(buf []byte) (int, bool) { return p.toWire.tryRead(buf) }

func (p *PlainCrypto) WriteInput(plaintext []byte) (int, error) {
	p.toWire.push(plaintext)
	return len(plaintext), nil
}

func (p *PlainCrypto) StartRead(buf []byte) {
	if n, ok := p.toApp.tryRead(buf); ok {
		p.pending = &readOutcome{n: n}
	} else {
		p.pending = nil
	}
}

func (p *PlainCrypto) PollRead() (int, bool, error) {
	if p.pending == nil {
		return 0, false, nil
	}
	out := *p.pending
	p.pending = nil
	return out.n, true, nil
}

// ExportKeyMaterial returns deterministic zero-filled material: tests
// using PlainCrypto don't exercise real key derivation.
func (p *PlainCrypto) ExportKeyMaterial(_ string, _ []byte, length int) ([]byte, error) {
	return make([]byte, length), nil
}

func (p *PlainCrypto) Close() error {
	p.toWire.close()
	p.toApp.close()
	return nil
}
