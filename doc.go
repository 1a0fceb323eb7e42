// Package tubez implements a bidirectional multiplexing transport that
// carries many logical message streams ("tubes") over a single long-lived
// carrier request/response byte-stream pair. Each tube is an independent
// duplex, reliable, framed message channel with optional per-payload
// acknowledgements and a two-sided half-close protocol.
//
// This package implements the protocol core: the frame codec, the
// per-connection dispatcher, the per-tube state machine, the tube-id
// allocator, and the Channel/Tube types applications use directly. The
// carrier itself — dialing or accepting an HTTP/2 connection, TLS,
// header negotiation — lives in the tubezhttp subpackage.
package tubez
