package tubez

import "context"

// ByteSender is the outbound half of the full-duplex byte pipe a carrier
// provides per channel. Write must not be called concurrently; Channel
// serializes calls through its own mutex so that frame bytes from
// different tubes never interleave on the wire.
type ByteSender interface {
	Write(ctx context.Context, p []byte) error
}

// ByteReceiver is the inbound half of the pipe. Next returns io.EOF (or a
// wrapped io.EOF) once the carrier's stream has ended cleanly.
type ByteReceiver interface {
	Next(ctx context.Context) ([]byte, error)
}
