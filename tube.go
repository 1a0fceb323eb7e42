package tubez

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// Tube is one logical bidirectional message stream inside a Channel. All
// methods are safe for concurrent use; the consumer event stream (Next)
// is intended for a single consumer goroutine, matching a lazy
// single-consumer sequence.
type Tube struct {
	channel *Channel
	id      uint16
	state   *TubeState

	ackAlloc *IDAllocator // 15-bit ack id space, sequential, local to this tube

	closed int32 // atomic; 1 once Close has run cleanup so the finalizer is a no-op

	finalizerOnce sync.Once
}

func newTube(c *Channel, id uint16, state *TubeState) *Tube {
	t := &Tube{
		channel:  c,
		id:       id,
		state:    state,
		ackAlloc: NewIDAllocatorMax(IDPolicySequential, maxAckID),
	}
	runtime.SetFinalizer(t, (*Tube).finalize)
	return t
}

// ID returns the tube's stable id.
func (t *Tube) ID() uint16 {
	return t.id
}

// Send transmits data with a requested ack, blocking until the peer's
// PayloadAck arrives, ctx is done, or the transport fails.
func (t *Tube) Send(ctx context.Context, data []byte) error {
	ackHandle, err := t.ackAlloc.Take()
	if err != nil {
		return ErrAckIDsExhausted
	}
	ackID := ackHandle.ID() & ackIDMask

	rendezvous, err := t.state.RegisterSendAck(ackID)
	if err != nil {
		ackHandle.Release()
		return err
	}

	buf, err := EncodePayload(nil, t.id, true, ackID, data)
	if err != nil {
		t.state.ForgetSendAck(ackID)
		ackHandle.Release()
		return ErrFrameEncode
	}

	if err := t.channel.sendFrame(ctx, buf); err != nil {
		t.state.ForgetSendAck(ackID)
		ackHandle.Release()
		return ErrTransport
	}

	ok := rendezvous.wait(ctx.Done())
	ackHandle.Release()
	if !ok {
		t.state.ForgetSendAck(ackID)
		return ErrTimedOutWaitingOnAck
	}
	return nil
}

// SendAndForget transmits data with no ack requested, returning once the
// transport accepts the write.
func (t *Tube) SendAndForget(ctx context.Context, data []byte) error {
	buf, err := EncodePayload(nil, t.id, false, 0, data)
	if err != nil {
		return ErrFrameEncode
	}
	if err := t.channel.sendFrame(ctx, buf); err != nil {
		return ErrTransport
	}
	return nil
}

// HasFinishedSending transmits the role-appropriate half-close frame and
// advances local state. A second call returns ErrAlreadyMarkedAsFinishedSending.
func (t *Tube) HasFinishedSending(ctx context.Context) error {
	removed, err := t.state.LocalSendFinish()
	if err != nil {
		return err
	}

	var buf []byte
	if t.state.localSendFinishFrameType() == FrameClientHasFinishedSending {
		buf = EncodeClientHasFinishedSending(nil, t.id)
	} else {
		buf = EncodeServerHasFinishedSending(nil, t.id)
	}

	if err := t.channel.sendFrame(ctx, buf); err != nil {
		// State has already advanced; the peer may never learn of it.
		// Best-effort abort and report fatal, per the tube API contract.
		abortBuf := EncodeAbort(nil, t.id, AbortTransportErrorWhileSynchronizing)
		_ = t.channel.sendFrame(context.Background(), abortBuf)
		t.state.LocalAbort(AbortTransportErrorWhileSynchronizing)
		t.channel.removeTube(t.id)
		return ErrFatalTransport
	}

	if removed {
		t.channel.removeTube(t.id)
	}
	return nil
}

// Abort transmits an Abort frame with ApplicationAbort and marks the tube
// terminal locally.
func (t *Tube) Abort(ctx context.Context) error {
	return t.abort(ctx, AbortApplicationAbort)
}

func (t *Tube) abort(ctx context.Context, reason AbortReason) error {
	removed, err := t.state.LocalAbort(reason)
	if err != nil {
		return err
	}
	buf := EncodeAbort(nil, t.id, reason)
	if sendErr := t.channel.sendFrame(ctx, buf); sendErr != nil {
		t.channel.logf("tubez: failed to transmit abort for tube %d: %v", t.id, sendErr)
	}
	if removed {
		t.channel.removeTube(t.id)
	}
	return nil
}

// HasFinishedSendingLocally reports whether this tube can no longer be used
// to send: either HasFinishedSending already ran, or the tube reached a
// terminal state (remote abort, local abort) by some other path.
func (t *Tube) HasFinishedSendingLocally() bool {
	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	myFinished := stateClientHasFinishedSending
	if t.state.role == RoleServer {
		myFinished = stateServerHasFinishedSending
	}
	return t.state.completion == myFinished || t.state.completion.terminal()
}

// Next blocks for the next consumer event. ok is false once the stream
// has completed for this tube's role perspective, or ctx ends first.
func (t *Tube) Next(ctx context.Context) (TubeEvent, bool, error) {
	ev, ok, err := t.state.Next(ctx.Done())
	if err == ErrNextCancelled {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ev, ok, ctxErr
		}
	}
	return ev, ok, err
}

// Close starts the drop-cleanup policy on a background goroutine: if the
// tube is already terminal, nothing happens; if the remote has already
// half-closed, a polite local half-close is sent; otherwise an Abort with
// ApplicationError is sent. Errors are logged, never returned, matching
// the drop-path contract (the caller is not blocked on network activity
// by this decision).
func (t *Tube) Close() {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return
	}
	go t.cleanup()
}

func (t *Tube) cleanup() {
	if t.state.IsTerminal() {
		return
	}
	ctx := context.Background()
	if t.state.RemoteAlreadyFinished() {
		if err := t.HasFinishedSending(ctx); err != nil {
			t.channel.logf("tubez: drop-cleanup half-close failed for tube %d: %v", t.id, err)
		}
		return
	}
	if err := t.abort(ctx, AbortApplicationError); err != nil {
		t.channel.logf("tubez: drop-cleanup abort failed for tube %d: %v", t.id, err)
	}
}

// finalize is installed via runtime.SetFinalizer as a safety net for
// callers who forget to call Close; Go has no synchronous destructor, so
// finalize runs on the runtime's finalizer goroutine and hands cleanup to
// a new goroutine, detached from the original caller, mirroring a
// background drop task.
func (t *Tube) finalize() {
	if atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		go t.cleanup()
	}
}
