package ovpncore

import "errors"

// ErrCancelled wraps a context cancellation or deadline observed while
// Connect, Receive or WaitForData were waiting on the network
// (spec.md §4.J). The underlying context error is always present via
// errors.Unwrap/fmt.Errorf's %w verb.
var ErrCancelled = errors.New("ovpncore: cancelled")

// ErrNotEstablished indicates Write was called before Connect reached
// the Established state.
var ErrNotEstablished = errors.New("ovpncore: session not established")
