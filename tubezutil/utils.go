// Package tubezutil holds small byte-level and timing helpers shared by
// tubez's carrier packages, adapted from the same kind of grab-bag utils
// file a hand-rolled HTTP/2 stack keeps around for wire-layout plumbing.
package tubezutil

import (
	"time"

	"github.com/valyala/fastrand"
)

// PutUint16 writes v to b[0:2] big-endian.
func PutUint16(b []byte, v uint16) {
	_ = b[1]
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

// Uint16 reads a big-endian uint16 from b[0:2].
func Uint16(b []byte) uint16 {
	_ = b[1]
	return uint16(b[0])<<8 | uint16(b[1])
}

// PutUint32 writes v to b[0:4] big-endian.
func PutUint32(b []byte, v uint32) {
	_ = b[3]
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// Uint32 reads a big-endian uint32 from b[0:4].
func Uint32(b []byte) uint32 {
	_ = b[3]
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// JitteredBackoff returns attempt-scaled exponential backoff with +/-25%
// jitter. The delay is capped at max before the jitter is applied, so the
// result can exceed max by up to 25%. tubezhttp's Client exposes it as
// NextBackoff for callers that redial, so many clients reconnecting at
// once don't thunder the server in lockstep.
func JitteredBackoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 16 {
		attempt = 16 // avoid overflowing the shift below
	}
	d := base << uint(attempt)
	if d > max || d <= 0 {
		d = max
	}

	// A uniform [-250, 250] per-mille jitter, the same fastrand-driven
	// randomized-byte-count idea a hand-rolled HTTP/2 padding helper uses.
	jitterPermille := int64(fastrand.Uint32n(501)) - 250
	jittered := int64(d) + int64(d)*jitterPermille/1000
	if jittered < 0 {
		jittered = 0
	}
	return time.Duration(jittered)
}
