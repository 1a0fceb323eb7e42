package tubez

// Decoder is a streaming frame decoder. It tolerates arbitrary
// fragmentation: bytes handed to Feed need not align with frame
// boundaries. Decoder is not safe for concurrent use; callers serialize
// access the same way the channel's receive loop owns it exclusively.
type Decoder struct {
	buf []byte
}

// NewDecoder returns a ready-to-use Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends p to the internal buffer and decodes as many complete
// frames as are now available, returning them in arrival order. Any
// leftover partial frame remains buffered for the next call.
//
// If a parse error occurs, Feed returns the frames successfully decoded
// before the error alongside the error; the caller (the channel's receive
// loop) tears the channel down per the decode-error propagation policy.
func (d *Decoder) Feed(p []byte) ([]Frame, error) {
	if len(p) > 0 {
		d.buf = append(d.buf, p...)
	}

	var frames []Frame
	for {
		if len(d.buf) < frameHeaderSize {
			break
		}
		bodyLen := int(getUint16(d.buf[1:3]))
		total := frameHeaderSize + bodyLen
		if len(d.buf) < total {
			break
		}

		t := FrameType(d.buf[0])
		body := d.buf[frameHeaderSize:total]

		fr, err := parseFrameBody(t, body)
		if err != nil {
			// Drain the bytes belonging to this malformed frame so a
			// caller that chooses to keep feeding doesn't re-parse it,
			// then report what succeeded so far.
			d.buf = d.buf[total:]
			return frames, err
		}

		// Payload's Data slice aliases d.buf; copy it out since d.buf is
		// about to be truncated/reused.
		if fr.Type == FramePayload && len(fr.Data) > 0 {
			owned := make([]byte, len(fr.Data))
			copy(owned, fr.Data)
			fr.Data = owned
		}

		frames = append(frames, fr)
		d.buf = d.buf[total:]
	}

	// Compact so the backing array doesn't grow unbounded across many
	// small partial feeds.
	if len(d.buf) == 0 {
		d.buf = nil
	} else if cap(d.buf) > 4*len(d.buf) && cap(d.buf) > 4096 {
		compacted := make([]byte, len(d.buf))
		copy(compacted, d.buf)
		d.buf = compacted
	}

	return frames, nil
}
