package model

// Logger is the small formatted-logging surface the lower layers
// depend on. Both *log.Entry and log.Interface from
// github.com/apex/log already satisfy it, so callers normally pass an
// apex/log logger straight through; NopLogger is the zero-cost default
// for tests and for library users who don't want any output.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NopLogger discards everything. It is the default Logger when a
// Config is built without WithLogger.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...interface{}) {}
func (NopLogger) Infof(string, ...interface{})  {}
func (NopLogger) Warnf(string, ...interface{})  {}
func (NopLogger) Errorf(string, ...interface{}) {}

// PacketEvent classifies the packet-level events a HandshakeTracer can
// observe.
type PacketEvent int

const (
	EventSent PacketEvent = iota
	EventReceived
	EventRetransmit
	EventDropped
)

func (e PacketEvent) String() string {
	switch e {
	case EventSent:
		return "sent"
	case EventReceived:
		return "received"
	case EventRetransmit:
		return "retransmit"
	case EventDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// HandshakeTracer observes negotiation-state transitions and
// individual packet events, for diagnostics and tests. It never
// influences control flow: every method returns nothing and must not
// block.
type HandshakeTracer interface {
	OnStateChange(state NegotiationState)
	OnPacket(event PacketEvent, opcode Opcode, id PacketID)
}

// NoopTracer implements HandshakeTracer by doing nothing. It is the
// default Tracer when a Config is built without WithTracer.
type NoopTracer struct{}

func (NoopTracer) OnStateChange(NegotiationState)      {}
func (NoopTracer) OnPacket(PacketEvent, Opcode, PacketID) {}
