package tubez

import "sync"

// PeerRole identifies which side of a channel a TubeState belongs to. It
// governs which half-close frame type is local versus remote.
type PeerRole uint8

const (
	RoleClient PeerRole = iota
	RoleServer
)

func (r PeerRole) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

type completionState uint8

const (
	stateOpen completionState = iota
	stateClientHasFinishedSending
	stateServerHasFinishedSending
	stateClosed
	stateAbortedFromLocal
	stateAbortedFromRemote
)

func (s completionState) terminal() bool {
	return s == stateClosed || s == stateAbortedFromLocal || s == stateAbortedFromRemote
}

// TubeState holds one tube's completion state, its queue of events
// awaiting the consumer, and its outstanding send-ack rendezvous points.
// The mutex guards only pure in-memory transitions; it is never held
// across a channel send or a blocking wait, per the concurrency model.
type TubeState struct {
	mu sync.Mutex

	role       PeerRole
	completion completionState
	abortReason AbortReason

	pending []TubeEvent
	notify  chan struct{} // buffered 1; signaled whenever pending grows or the state turns terminal

	sendacks map[uint16]*ackRendezvous
}

func newTubeState(role PeerRole) *TubeState {
	return &TubeState{
		role:     role,
		notify:   make(chan struct{}, 1),
		sendacks: make(map[uint16]*ackRendezvous),
	}
}

func (ts *TubeState) wake() {
	select {
	case ts.notify <- struct{}{}:
	default:
	}
}

func (ts *TubeState) enqueueLocked(ev TubeEvent) {
	ts.pending = append(ts.pending, ev)
	ts.wake()
}

// EnqueueEvent appends an event for the consumer, e.g. the
// AuthenticatedAndReady event a server-side tube emits once NewTube has
// been fully handled.
func (ts *TubeState) EnqueueEvent(ev TubeEvent) {
	ts.mu.Lock()
	ts.enqueueLocked(ev)
	ts.mu.Unlock()
}

// consumerDoneLocked reports whether the event stream has nothing further to
// deliver for role's perspective: a client completes on SHFS, Closed, or
// either Abort; a server completes on CHFS, Closed, or either Abort.
func (ts *TubeState) consumerDoneLocked() bool {
	switch ts.completion {
	case stateClosed, stateAbortedFromLocal, stateAbortedFromRemote:
		return true
	case stateServerHasFinishedSending:
		return ts.role == RoleClient
	case stateClientHasFinishedSending:
		return ts.role == RoleServer
	default:
		return false
	}
}

// Next blocks until an event is available, the stream completes, or done
// fires. ok is false once the stream is drained and complete; err is
// ErrNextCancelled if done fired first.
func (ts *TubeState) Next(done <-chan struct{}) (ev TubeEvent, ok bool, err error) {
	for {
		ts.mu.Lock()
		if len(ts.pending) > 0 {
			ev = ts.pending[0]
			ts.pending = ts.pending[1:]
			ts.mu.Unlock()
			return ev, true, nil
		}
		complete := ts.consumerDoneLocked()
		ts.mu.Unlock()

		if complete {
			return TubeEvent{}, false, nil
		}

		select {
		case <-ts.notify:
			continue
		case <-done:
			return TubeEvent{}, false, ErrNextCancelled
		}
	}
}

// localSendFinishFrameType returns which frame type the local side must
// transmit to mark itself as finished sending.
func (ts *TubeState) localSendFinishFrameType() FrameType {
	if ts.role == RoleClient {
		return FrameClientHasFinishedSending
	}
	return FrameServerHasFinishedSending
}

// LocalSendFinish validates and applies a local has-finished-sending call,
// returning whether the tube became terminal (and must be removed from
// the channel's tube table).
func (ts *TubeState) LocalSendFinish() (removed bool, err error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	myFinished := stateClientHasFinishedSending
	theirFinished := stateServerHasFinishedSending
	if ts.role == RoleServer {
		myFinished, theirFinished = stateServerHasFinishedSending, stateClientHasFinishedSending
	}

	switch ts.completion {
	case stateOpen:
		ts.completion = myFinished
		return false, nil
	case myFinished:
		return false, ErrAlreadyMarkedAsFinishedSending
	case theirFinished:
		ts.completion = stateClosed
		ts.wake()
		return true, nil
	case stateClosed:
		// Reaching Closed implies the local side already finished
		// sending, so this falls under HasFinishedSending's own already-
		// marked error rather than AbortError's AlreadyClosed.
		return false, ErrAlreadyMarkedAsFinishedSending
	default: // AbortedFromLocal / AbortedFromRemote
		return false, ErrTubeAlreadyAborted
	}
}

// RemoteSendFinish applies an inbound has-finished-sending frame from the
// peer (ClientHasFinishedSending observed by a server TubeState, or
// ServerHasFinishedSending observed by a client TubeState). dropped is
// true when the frame must be silently ignored per the post-local-abort
// rule.
func (ts *TubeState) RemoteSendFinish() (removed, dropped bool, err error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	theirFinished := stateServerHasFinishedSending
	myFinished := stateClientHasFinishedSending
	evTag := TubeEventServerHasFinishedSending
	if ts.role == RoleServer {
		theirFinished, myFinished = stateClientHasFinishedSending, stateServerHasFinishedSending
		evTag = TubeEventClientHasFinishedSending
	}

	switch ts.completion {
	case stateOpen:
		ts.completion = theirFinished
		ts.enqueueLocked(TubeEvent{Tag: evTag})
		return false, false, nil
	case myFinished:
		ts.completion = stateClosed
		ts.enqueueLocked(TubeEvent{Tag: evTag})
		return true, false, nil
	case theirFinished, stateClosed:
		return false, false, ErrDuplicateHasFinishedSendingFrame
	case stateAbortedFromRemote:
		return false, false, ErrReceivedHasFinishedSendingAfterRemoteAbort
	case stateAbortedFromLocal:
		return false, true, nil
	default:
		return false, false, ErrReceivedHasFinishedSendingAfterRemoteAbort
	}
}

// LocalAbort applies a local abort() call.
func (ts *TubeState) LocalAbort(reason AbortReason) (removed bool, err error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	switch ts.completion {
	case stateClosed:
		return false, ErrAlreadyClosed
	case stateAbortedFromLocal, stateAbortedFromRemote:
		return false, ErrAlreadyAborted
	default:
		ts.completion = stateAbortedFromLocal
		ts.abortReason = reason
		ts.wake()
		return true, nil
	}
}

// RemoteAbort applies an inbound Abort frame. dropped is true when an
// Abort arrives after the local side already aborted (silently ignored).
func (ts *TubeState) RemoteAbort(reason AbortReason) (removed, dropped bool, err error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	switch ts.completion {
	case stateAbortedFromRemote:
		return false, false, ErrDuplicateAbortFrame
	case stateAbortedFromLocal:
		return false, true, nil
	default:
		ts.completion = stateAbortedFromRemote
		ts.abortReason = reason
		ts.enqueueLocked(TubeEvent{Tag: TubeEventAbort, Reason: reason})
		return true, false, nil
	}
}

// IsTerminal reports whether the tube has reached Closed or either Abort
// state and is therefore eligible for removal from the tube table.
func (ts *TubeState) IsTerminal() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.completion.terminal()
}

// RemoteAlreadyFinished reports whether the peer has already sent its
// half-close, used by Tube's drop-cleanup policy to decide between a
// polite half-close and an Abort.
func (ts *TubeState) RemoteAlreadyFinished() bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.role == RoleClient {
		return ts.completion == stateServerHasFinishedSending
	}
	return ts.completion == stateClientHasFinishedSending
}

// RegisterSendAck installs a fresh rendezvous for ackID, returning
// ErrAckIDAlreadyInUseInternal if one is already registered (an internal
// invariant violation — the allocator is expected to prevent this).
func (ts *TubeState) RegisterSendAck(ackID uint16) (*ackRendezvous, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, ok := ts.sendacks[ackID]; ok {
		return nil, ErrAckIDAlreadyInUseInternal
	}
	r := newAckRendezvous()
	ts.sendacks[ackID] = r
	return r, nil
}

// ResolveSendAck resolves and removes the rendezvous for ackID. ok is
// false if no such rendezvous is registered (UntrackedAckId).
func (ts *TubeState) ResolveSendAck(ackID uint16) (ok bool) {
	ts.mu.Lock()
	r, ok := ts.sendacks[ackID]
	if ok {
		delete(ts.sendacks, ackID)
	}
	ts.mu.Unlock()
	if ok {
		r.resolve()
	}
	return ok
}

// ForgetSendAck removes a rendezvous without resolving it, used when a
// Send call times out or is cancelled.
func (ts *TubeState) ForgetSendAck(ackID uint16) {
	ts.mu.Lock()
	delete(ts.sendacks, ackID)
	ts.mu.Unlock()
}
