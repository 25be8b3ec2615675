package model

import "github.com/google/uuid"

// Config is the subset of client configuration the session layer
// needs: a logger, a tracer, and a per-connection id. The connection id
// is only stored and returned by ConnID: it is not attached to log
// lines or tracer events, has no protocol role and never appears on
// the wire.
type Config struct {
	logger Logger
	tracer HandshakeTracer
	connID uuid.UUID
}

// ConfigOption configures a Config built with NewConfig.
type ConfigOption func(*Config)

// WithLogger sets the Logger a session reports through.
func WithLogger(logger Logger) ConfigOption {
	return func(c *Config) { c.logger = logger }
}

// WithTracer sets the HandshakeTracer a session reports through.
func WithTracer(tracer HandshakeTracer) ConfigOption {
	return func(c *Config) { c.tracer = tracer }
}

// WithConnID overrides the random connection id NewConfig generates.
func WithConnID(id uuid.UUID) ConfigOption {
	return func(c *Config) { c.connID = id }
}

// NewConfig builds a Config, defaulting to NopLogger, NoopTracer and a
// freshly generated connection id.
func NewConfig(opts ...ConfigOption) *Config {
	c := &Config{
		logger: NopLogger{},
		tracer: NoopTracer{},
		connID: uuid.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Logger returns the configured Logger.
func (c *Config) Logger() Logger {
	return c.logger
}

// Tracer returns the configured HandshakeTracer.
func (c *Config) Tracer() HandshakeTracer {
	return c.tracer
}

// ConnID returns the configured connection id.
func (c *Config) ConnID() uuid.UUID {
	return c.connID
}
