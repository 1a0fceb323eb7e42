package tubez

import (
	"errors"
	"fmt"
)

// Encode/decode errors.
var (
	ErrDataTooLarge            = errors.New("tubez: payload data too large for a single frame")
	ErrAckIDTooLarge           = errors.New("tubez: ack id exceeds 15 bits")
	ErrHeaderJSONEncode        = errors.New("tubez: failed to json-encode NewTube headers")
	ErrHeaderJSONDecode        = errors.New("tubez: failed to json-decode NewTube headers")
	ErrHeaderUTF8              = errors.New("tubez: NewTube headers are not valid utf-8")
	ErrInternalByteOffsetLogic = errors.New("tubez: internal error: impossible byte offset while draining a frame")
)

// UnknownFrameTypeError is returned by the decoder when a frame's type byte
// does not name one of the seven known frame types.
type UnknownFrameTypeError struct {
	Type byte
}

func (e *UnknownFrameTypeError) Error() string {
	return fmt.Sprintf("tubez: unknown frame type 0x%02x", e.Type)
}

// Transport errors.
var (
	ErrTransport        = errors.New("tubez: transport error")
	ErrFatalTransport   = errors.New("tubez: fatal transport error, tube is terminal")
	ErrUnknownTransport = errors.New("tubez: unknown transport error")
)

// UntrackedTubeIDError and UntrackedAckIDError carry the offending id; the
// rest of the dispatch errors are sentinels since callers don't act on them
// differently based on extra state.
type UntrackedTubeIDError struct {
	TubeID uint16
}

func (e *UntrackedTubeIDError) Error() string {
	return fmt.Sprintf("tubez: frame referenced untracked tube id %d", e.TubeID)
}

type UntrackedAckIDError struct {
	TubeID uint16
	AckID  uint16
}

func (e *UntrackedAckIDError) Error() string {
	return fmt.Sprintf("tubez: ack for untracked ack id %d on tube %d", e.AckID, e.TubeID)
}

var (
	ErrDuplicateHasFinishedSendingFrame           = errors.New("tubez: duplicate has-finished-sending frame")
	ErrDuplicateAbortFrame                        = errors.New("tubez: duplicate abort frame")
	ErrReceivedHasFinishedSendingAfterRemoteAbort = errors.New("tubez: received has-finished-sending after remote abort")
	ErrServerInitiatedTubesNotImplemented         = errors.New("tubez: server-initiated tubes are reserved and not implemented")
	ErrInappropriateHasFinishedSendingFromPeer    = errors.New("tubez: peer sent a has-finished-sending frame it is not permitted to send")
	ErrTubeManagerInsertion                       = errors.New("tubez: internal error: failed to insert new tube into the tube table")
)

// Tube API errors.
var (
	ErrAckIDAlreadyInUseInternal = errors.New("tubez: internal error: ack id already in use")
	ErrAckIDsExhausted           = errors.New("tubez: ack ids exhausted")
	ErrFrameEncode               = errors.New("tubez: failed to encode frame")
	ErrTimedOutWaitingOnAck      = errors.New("tubez: timed out waiting on payload ack")
	ErrNextCancelled             = errors.New("tubez: Next cancelled before an event arrived")

	ErrAlreadyMarkedAsFinishedSending = errors.New("tubez: tube already marked as finished sending")
	ErrTubeAlreadyAborted             = errors.New("tubez: tube already aborted")

	ErrAlreadyAborted = errors.New("tubez: tube already aborted (locally or by the peer)")
	ErrAlreadyClosed  = errors.New("tubez: tube already closed")
)

// Allocator errors.
var ErrNoIDsAvailable = errors.New("tubez: no ids available")

// Channel errors.
var (
	ErrTubeIDsExhausted        = errors.New("tubez: tube ids exhausted")
	ErrInternalDuplicateTubeID = errors.New("tubez: internal error: duplicate tube id")
	ErrChannelClosed           = errors.New("tubez: channel is closed")
)
