package transport

import "errors"

// ErrClosed is returned by Send on a connection that has already closed.
var ErrClosed = errors.New("transport: connection closed")

// ErrBackpressure is returned by Send when the outbound buffer is full — the
// peer is too slow to keep up. The caller logs and moves on; a single slow
// node must not stall sends to any other node.
var ErrBackpressure = errors.New("transport: send buffer full")
