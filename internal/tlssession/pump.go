package tlssession

// Pump is the byte-pump contract spec.md §4.F describes: wire
// ciphertext in (WriteOutput) and out (ReadOutput), plaintext out
// (WriteInput) and in (StartRead/PollRead), plus key export. *Engine
// and *PlainCrypto both satisfy it, so callers (internal/keyexchange,
// ovpncore) depend on the interface and tests can swap in PlainCrypto
// instead of driving a real TLS handshake.
type Pump interface {
	StartHandshake()
	PollHandshake() (done bool, err error)
	WriteOutput(ciphertext []byte)
	ReadOutput(buf []byte) (n int, ok bool)
	WriteInput(plaintext []byte) (int, error)
	StartRead(buf []byte)
	PollRead() (n int, done bool, err error)
	ExportKeyMaterial(label string, context []byte, length int) ([]byte, error)
	Close() error
}

var (
	_ Pump = &Engine{}
	_ Pump = &PlainCrypto{}
)
