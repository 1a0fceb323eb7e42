package tubez

import (
	"encoding/json"
	"unicode/utf8"
)

// FrameType identifies the wire type of a Frame. Its value is the first
// byte of every frame on the wire.
type FrameType uint8

const (
	FrameClientHasFinishedSending FrameType = 0x0
	FrameDrain                    FrameType = 0x1
	FrameNewTube                  FrameType = 0x2
	FramePayload                  FrameType = 0x3
	FramePayloadAck               FrameType = 0x4
	FrameServerHasFinishedSending FrameType = 0x5
	FrameAbort                    FrameType = 0x6

	minFrameType FrameType = FrameClientHasFinishedSending
	maxFrameType FrameType = FrameAbort

	// frameHeaderSize is FrameType:u8 | BodyLen:u16.
	frameHeaderSize = 3

	// maxBodyLen is the largest BodyLen a 2-byte length field can hold.
	maxBodyLen = 0xFFFF

	// ackIDMask covers the 15 bits available to an ack id; the top bit
	// of the 2-byte ack field is the AckRequested flag.
	ackIDMask  = 0x7FFF
	ackFlagBit = 0x8000
	maxAckID   = ackIDMask
)

// AbortReason classifies why a tube was aborted.
type AbortReason uint8

const (
	AbortApplicationAbort                  AbortReason = 0x00
	AbortApplicationError                  AbortReason = 0x01
	AbortTransportErrorWhileSynchronizing  AbortReason = 0x02
	AbortUnknown                           AbortReason = 0xFF
)

func abortReasonFromByte(b byte) AbortReason {
	switch AbortReason(b) {
	case AbortApplicationAbort, AbortApplicationError, AbortTransportErrorWhileSynchronizing:
		return AbortReason(b)
	default:
		return AbortUnknown
	}
}

func (r AbortReason) String() string {
	switch r {
	case AbortApplicationAbort:
		return "ApplicationAbort"
	case AbortApplicationError:
		return "ApplicationError"
	case AbortTransportErrorWhileSynchronizing:
		return "TransportErrorWhileSynchronizing"
	default:
		return "Unknown"
	}
}

// Frame is the decoded representation of one protocol data unit. Only the
// fields relevant to Type are populated; callers switch on Type before
// reading them, mirroring the tagged union in the wire spec.
type Frame struct {
	Type FrameType

	TubeID uint16 // ClientHasFinishedSending, ServerHasFinishedSending, NewTube, Payload, PayloadAck, Abort

	Headers map[string]string // NewTube

	AckRequested bool   // Payload
	AckID        uint16 // Payload, PayloadAck (15 bits)

	Data []byte // Payload

	Reason AbortReason // Abort
}

func putUint16(b []byte, v uint16) {
	_ = b[1]
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

func getUint16(b []byte) uint16 {
	_ = b[1]
	return uint16(b[0])<<8 | uint16(b[1])
}

func appendHeader(dst []byte, t FrameType, bodyLen int) []byte {
	dst = append(dst, byte(t), 0, 0)
	putUint16(dst[len(dst)-2:], uint16(bodyLen))
	return dst
}

// EncodeClientHasFinishedSending appends a ClientHasFinishedSending frame
// for tubeID to dst and returns the extended slice.
func EncodeClientHasFinishedSending(dst []byte, tubeID uint16) []byte {
	dst = appendHeader(dst, FrameClientHasFinishedSending, 2)
	dst = append(dst, 0, 0)
	putUint16(dst[len(dst)-2:], tubeID)
	return dst
}

// EncodeServerHasFinishedSending appends a ServerHasFinishedSending frame.
func EncodeServerHasFinishedSending(dst []byte, tubeID uint16) []byte {
	dst = appendHeader(dst, FrameServerHasFinishedSending, 2)
	dst = append(dst, 0, 0)
	putUint16(dst[len(dst)-2:], tubeID)
	return dst
}

// EncodeDrain appends a Drain frame (no body).
func EncodeDrain(dst []byte) []byte {
	return appendHeader(dst, FrameDrain, 0)
}

// EncodeNewTube appends a NewTube frame; headers are serialized as a UTF-8
// JSON object of string to string.
func EncodeNewTube(dst []byte, tubeID uint16, headers map[string]string) ([]byte, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	hj, err := json.Marshal(headers)
	if err != nil {
		return dst, ErrHeaderJSONEncode
	}
	body := 2 + len(hj)
	if body > maxBodyLen {
		return dst, ErrDataTooLarge
	}
	dst = appendHeader(dst, FrameNewTube, body)
	idOff := len(dst)
	dst = append(dst, 0, 0)
	putUint16(dst[idOff:], tubeID)
	dst = append(dst, hj...)
	return dst, nil
}

// EncodePayload appends a Payload frame. If ackRequested is false, ackID is
// ignored and the ack field is encoded as all zero.
func EncodePayload(dst []byte, tubeID uint16, ackRequested bool, ackID uint16, data []byte) ([]byte, error) {
	if ackRequested && ackID > maxAckID {
		return dst, ErrAckIDTooLarge
	}
	body := 2 + 2 + len(data)
	if body > maxBodyLen {
		return dst, ErrDataTooLarge
	}
	dst = appendHeader(dst, FramePayload, body)
	off := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	putUint16(dst[off:], tubeID)
	ackField := uint16(0)
	if ackRequested {
		ackField = ackFlagBit | (ackID & ackIDMask)
	}
	putUint16(dst[off+2:], ackField)
	dst = append(dst, data...)
	return dst, nil
}

// EncodePayloadAck appends a PayloadAck frame.
func EncodePayloadAck(dst []byte, tubeID uint16, ackID uint16) ([]byte, error) {
	if ackID > maxAckID {
		return dst, ErrAckIDTooLarge
	}
	dst = appendHeader(dst, FramePayloadAck, 4)
	off := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	putUint16(dst[off:], tubeID)
	putUint16(dst[off+2:], ackID&ackIDMask)
	return dst, nil
}

// EncodeAbort appends an Abort frame.
func EncodeAbort(dst []byte, tubeID uint16, reason AbortReason) []byte {
	dst = appendHeader(dst, FrameAbort, 3)
	off := len(dst)
	dst = append(dst, 0, 0, 0)
	putUint16(dst[off:], tubeID)
	dst[off+2] = byte(reason)
	return dst
}

// parseFrameBody decodes the body of a single frame whose type and
// 3-byte-stripped body bytes are already known. It never reads beyond
// body; codec.go guarantees body has exactly BodyLen bytes.
func parseFrameBody(t FrameType, body []byte) (Frame, error) {
	fr := Frame{Type: t}
	switch t {
	case FrameClientHasFinishedSending, FrameServerHasFinishedSending:
		if len(body) != 2 {
			return fr, ErrInternalByteOffsetLogic
		}
		fr.TubeID = getUint16(body)
	case FrameDrain:
		// no body
	case FrameNewTube:
		if len(body) < 2 {
			return fr, ErrInternalByteOffsetLogic
		}
		fr.TubeID = getUint16(body)
		hj := body[2:]
		if !utf8.Valid(hj) {
			return fr, ErrHeaderUTF8
		}
		headers := map[string]string{}
		if len(hj) > 0 {
			if err := json.Unmarshal(hj, &headers); err != nil {
				return fr, ErrHeaderJSONDecode
			}
			if headers == nil {
				// json.Unmarshal accepts a literal "null" into a map
				// without error, resetting it to nil; headers must be a
				// JSON object, so reject it explicitly.
				return fr, ErrHeaderJSONDecode
			}
		}
		fr.Headers = headers
	case FramePayload:
		if len(body) < 4 {
			return fr, ErrInternalByteOffsetLogic
		}
		fr.TubeID = getUint16(body)
		ackField := getUint16(body[2:])
		fr.AckRequested = ackField&ackFlagBit != 0
		fr.AckID = ackField & ackIDMask
		fr.Data = body[4:]
	case FramePayloadAck:
		if len(body) != 4 {
			return fr, ErrInternalByteOffsetLogic
		}
		fr.TubeID = getUint16(body)
		fr.AckID = getUint16(body[2:]) & ackIDMask
	case FrameAbort:
		if len(body) != 3 {
			return fr, ErrInternalByteOffsetLogic
		}
		fr.TubeID = getUint16(body)
		fr.Reason = abortReasonFromByte(body[2])
	default:
		return fr, &UnknownFrameTypeError{Type: byte(t)}
	}
	return fr, nil
}
