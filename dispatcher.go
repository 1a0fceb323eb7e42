package tubez

import "context"

// dispatch consumes one decoded frame and drives the relevant tube's state
// machine, per the table in the frame-dispatch design: unknown tube ids
// are reported but never terminate the receive loop.
func (c *Channel) dispatch(fr Frame) error {
	switch fr.Type {
	case FrameNewTube:
		return c.dispatchNewTube(fr)
	case FrameClientHasFinishedSending:
		return c.dispatchRemoteSendFinish(fr, RoleServer)
	case FrameServerHasFinishedSending:
		return c.dispatchRemoteSendFinish(fr, RoleClient)
	case FramePayload:
		return c.dispatchPayload(fr)
	case FramePayloadAck:
		return c.dispatchPayloadAck(fr)
	case FrameAbort:
		return c.dispatchAbort(fr)
	case FrameDrain:
		// Reserved; accepted and decoded without error. Propagating a
		// drain event to consumers is left to a future policy.
		return nil
	default:
		return &UnknownFrameTypeError{Type: byte(fr.Type)}
	}
}

func (c *Channel) dispatchNewTube(fr Frame) error {
	if c.role != RoleServer {
		c.logf("tubez: client received NewTube for tube %d, dropping: %v", fr.TubeID, ErrServerInitiatedTubesNotImplemented)
		return ErrServerInitiatedTubesNotImplemented
	}

	state := newTubeState(RoleServer)
	tube := newTube(c, fr.TubeID, state)

	c.tableMu.Lock()
	select {
	case <-c.closed:
		// teardown closes c.closed before sweeping the table under
		// tableMu, so any tube inserted past this check is swept.
		c.tableMu.Unlock()
		return ErrChannelClosed
	default:
	}
	inserted := c.table.Insert(fr.TubeID, tube, state)
	c.tableMu.Unlock()
	if !inserted {
		return ErrTubeManagerInsertion
	}

	state.EnqueueEvent(TubeEvent{Tag: TubeEventAuthenticatedAndReady})

	select {
	case c.incoming <- tube:
	case <-c.closed:
		// Channel torn down while this NewTube was in flight. The tube was
		// already inserted into the table above, under the same tableMu
		// teardown's sweep uses, so it either is (or is about to be)
		// delivered a TubeEventStreamError by teardown itself; nothing
		// further to do here.
	}
	return nil
}

// dispatchRemoteSendFinish handles an inbound ClientHasFinishedSending
// (observing role Server) or ServerHasFinishedSending (observing role
// Client) frame — observingRole is the role of the TubeState that must
// process this inbound frame as "the peer finished sending".
func (c *Channel) dispatchRemoteSendFinish(fr Frame, observingRole PeerRole) error {
	entry := c.lookupTube(fr.TubeID)
	if entry == nil {
		return &UntrackedTubeIDError{TubeID: fr.TubeID}
	}
	if entry.state.role != observingRole {
		return ErrInappropriateHasFinishedSendingFromPeer
	}

	removed, dropped, err := entry.state.RemoteSendFinish()
	if dropped {
		return nil
	}
	if err != nil {
		return err
	}
	if removed {
		c.removeTube(fr.TubeID)
	}
	return nil
}

func (c *Channel) dispatchPayload(fr Frame) error {
	entry := c.lookupTube(fr.TubeID)
	if entry == nil {
		return &UntrackedTubeIDError{TubeID: fr.TubeID}
	}

	if fr.AckRequested {
		ackBuf, err := EncodePayloadAck(nil, fr.TubeID, fr.AckID)
		if err != nil {
			return err
		}
		if err := c.sendFrame(context.Background(), ackBuf); err != nil {
			c.logf("tubez: failed to send payload ack for tube %d: %v", fr.TubeID, err)
		}
	}

	entry.state.EnqueueEvent(TubeEvent{Tag: TubeEventPayload, Payload: fr.Data})
	return nil
}

func (c *Channel) dispatchPayloadAck(fr Frame) error {
	entry := c.lookupTube(fr.TubeID)
	if entry == nil {
		return &UntrackedTubeIDError{TubeID: fr.TubeID}
	}
	if !entry.state.ResolveSendAck(fr.AckID) {
		return &UntrackedAckIDError{TubeID: fr.TubeID, AckID: fr.AckID}
	}
	return nil
}

func (c *Channel) dispatchAbort(fr Frame) error {
	entry := c.lookupTube(fr.TubeID)
	if entry == nil {
		return &UntrackedTubeIDError{TubeID: fr.TubeID}
	}

	removed, dropped, err := entry.state.RemoteAbort(fr.Reason)
	if dropped {
		return nil
	}
	if err != nil {
		return err
	}
	if removed {
		c.removeTube(fr.TubeID)
	}
	return nil
}
