package tlssession

import (
	"fmt"
)

// Engine drives one TLS client session over an in-memory pipe. The
// driver feeds it ciphertext received from the peer (WriteOutput),
// drains ciphertext it wants sent (ReadOutput), and exchanges
// plaintext application data (WriteInput/StartRead/PollRead) — matching
// spec.md §4.F's four byte-pump verbs.
//
// crypto/tls-shaped Handshake()/Read() calls are blocking by contract
// and, once failed, are not resumable with more bytes later; there is
// no way to drive them from a single-threaded poll loop without
// running the call itself on a goroutine. StartHandshake and StartRead
// therefore each start one goroutine for the blocking call, and
// PollHandshake/PollRead collect its result from a buffered channel
// without blocking. That goroutine stays alive across driver calls
// until the underlying call returns.
// This mirrors the teacher's own vpn/muxer.go Handshake(), which
// spawns exactly one goroutine for the identical reason.
type Engine struct {
	conn     handshaker
	inbound  *byteQueue
	outbound *byteQueue

	handshakeResult chan error
	handshakeDone   bool
	handshakeErr    error

	readResult chan readOutcome
	readBuf    []byte
}

type readOutcome struct {
	n   int
	err error
}

// NewEngine builds an Engine from Options, the way the teacher's
// initTLS builds a *tls.Config and hands it to a factory.
func NewEngine(opt *Options) (*Engine, error) {
	return newEngineWithFactory(opt, defaultFactory)
}

func newEngineWithFactory(opt *Options, factory factoryFn) (*Engine, error) {
	conf, err := buildConfig(opt)
	if err != nil {
		return nil, err
	}
	wire := &wireConn{inbound: newByteQueue(), outbound: newByteQueue()}
	conn, err := factory(wire, conf)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadTLSHandshake, err)
	}
	return &Engine{
		conn:            conn,
		inbound:         wire.inbound,
		outbound:        wire.outbound,
		handshakeResult: make(chan error, 1),
	}, nil
}

// StartHandshake kicks off the TLS handshake in the background. It
// must be called once; subsequent calls are no-ops.
func (e *Engine) StartHandshake() {
	if e.handshakeResult == nil {
		e.handshakeResult = make(chan error, 1)
	}
	select {
	case <-e.handshakeResult:
		// a previous handshake already finished and we drained it;
		// put it back so PollHandshake still observes it.
		e.handshakeResult <- e.handshakeErr
		return
	default:
	}
	if e.handshakeDone {
		return
	}
	go func() {
		e.handshakeResult <- e.conn.Handshake()
	}()
}

// PollHandshake reports whether the handshake has finished, and with
// what error (nil on success). It never blocks: call it repeatedly
// from the driver loop, feeding ciphertext with WriteOutput and
// draining it with ReadOutput between calls, until done is true.
func (e *Engine) PollHandshake() (done bool, err error) {
	if e.handshakeDone {
		return true, e.handshakeErr
	}
	select {
	case err := <-e.handshakeResult:
		e.handshakeDone = true
		if err != nil {
			err = fmt.Errorf("%w: %s", ErrBadTLSHandshake, err)
		}
		e.handshakeErr = err
		return true, err
	default:
		return false, nil
	}
}

// WriteOutput delivers TLS record bytes received from the wire into
// the engine.
func (e *Engine) WriteOutput(ciphertext []byte) {
	e.inbound.push(ciphertext)
}

// ReadOutput drains TLS record bytes the engine wants placed on the
// wire. ok is false when there is nothing to send right now; this
// never blocks.
func (e *Engine) ReadOutput(buf []byte) (n int, ok bool) {
	return e.outbound.tryRead(buf)
}

// WriteInput sends plaintext application data into the TLS session.
// Safe to call only once the handshake has completed; the underlying
// Write never blocks (it only ever appends to the outbound queue).
func (e *Engine) WriteInput(plaintext []byte) (int, error) {
	return e.conn.Write(plaintext)
}

// StartRead begins an attempt to read decrypted application data, the
// same transient-goroutine pattern as StartHandshake: *tls.Conn-shaped
// Read() blocks on the underlying conn, which here blocks on the
// inbound queue, so it must run off the driver's loop.
func (e *Engine) StartRead(buf []byte) {
	if e.readResult != nil {
		return
	}
	e.readResult = make(chan readOutcome, 1)
	e.readBuf = buf
	go func() {
		n, err := e.conn.Read(e.readBuf)
		e.readResult <- readOutcome{n: n, err: err}
	}()
}

// PollRead reports whether a StartRead call has produced data yet.
// Never blocks.
func (e *Engine) PollRead() (n int, done bool, err error) {
	if e.readResult == nil {
		return 0, false, nil
	}
	select {
	case out := <-e.readResult:
		e.readResult = nil
		return out.n, true, out.err
	default:
		return 0, false, nil
	}
}

// ExportKeyMaterial derives key material from the completed TLS
// session via RFC 5705, the preferred path when both peers support
// it. Callers needing the classic PRF fallback should use
// ExportClassicKeyMaterial instead.
func (e *Engine) ExportKeyMaterial(label string, context []byte, length int) ([]byte, error) {
	return e.conn.ConnectionState().ExportKeyingMaterial(label, context, length)
}

// Close tears down the engine's internal pipe. It does not touch any
// real socket.
func (e *Engine) Close() error {
	return e.conn.Close()
}
