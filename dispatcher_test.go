package tubez

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discardSender struct{}

func (discardSender) Write(ctx context.Context, p []byte) error { return nil }

type neverReceiver struct{ done chan struct{} }

func (r *neverReceiver) Next(ctx context.Context) ([]byte, error) {
	<-r.done
	return nil, context.Canceled
}

func newBareChannel(t *testing.T, role PeerRole) *Channel {
	t.Helper()
	recv := &neverReceiver{done: make(chan struct{})}
	c := NewChannel(role, discardSender{}, recv, ChannelOpts{})
	t.Cleanup(func() { close(recv.done) })
	return c
}

func TestDispatchUntrackedTubeID(t *testing.T) {
	c := newBareChannel(t, RoleServer)
	err := c.dispatch(Frame{Type: FrameClientHasFinishedSending, TubeID: 99})
	var untracked *UntrackedTubeIDError
	require.ErrorAs(t, err, &untracked)
	assert.EqualValues(t, 99, untracked.TubeID)
}

func TestDispatchUntrackedAckID(t *testing.T) {
	c := newBareChannel(t, RoleClient)
	tube, err := c.MakeTube(context.Background(), nil)
	require.NoError(t, err)

	err = c.dispatch(Frame{Type: FramePayloadAck, TubeID: tube.ID(), AckID: 7})
	var untracked *UntrackedAckIDError
	require.ErrorAs(t, err, &untracked)
}

func TestDispatchDuplicateAbortFrame(t *testing.T) {
	c := newBareChannel(t, RoleServer)
	err := c.dispatch(Frame{Type: FrameNewTube, TubeID: 2, Headers: map[string]string{}})
	require.NoError(t, err)

	err = c.dispatch(Frame{Type: FrameAbort, TubeID: 2, Reason: AbortApplicationAbort})
	require.NoError(t, err)

	// The tube has been removed from the table on the first Abort.
	err = c.dispatch(Frame{Type: FrameAbort, TubeID: 2, Reason: AbortApplicationAbort})
	var untracked *UntrackedTubeIDError
	require.ErrorAs(t, err, &untracked)
}

func TestDispatchDuplicateAbortFrameBeforeRemoval(t *testing.T) {
	ts := newTubeState(RoleServer)
	removed, dropped, err := ts.RemoteAbort(AbortApplicationAbort)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, dropped)

	_, _, err = ts.RemoteAbort(AbortApplicationAbort)
	assert.ErrorIs(t, err, ErrDuplicateAbortFrame)
}

func TestDispatchServerInitiatedTubeOnClientIsDropped(t *testing.T) {
	c := newBareChannel(t, RoleClient)
	err := c.dispatch(Frame{Type: FrameNewTube, TubeID: 2, Headers: map[string]string{}})
	assert.ErrorIs(t, err, ErrServerInitiatedTubesNotImplemented)
}

func TestDispatchClientHasFinishedSendingTwiceErrors(t *testing.T) {
	ts := newTubeState(RoleServer)
	_, _, err := ts.RemoteSendFinish()
	require.NoError(t, err)
	_, _, err = ts.RemoteSendFinish()
	assert.ErrorIs(t, err, ErrDuplicateHasFinishedSendingFrame)
}

func TestStateMonotonicityNoBackEdges(t *testing.T) {
	ts := newTubeState(RoleClient)
	removed, err := ts.LocalAbort(AbortApplicationAbort)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = ts.LocalSendFinish()
	assert.ErrorIs(t, err, ErrTubeAlreadyAborted)

	// A half-close arriving after a LOCAL abort is silently dropped, not
	// an error: the peer hasn't learned of the abort yet.
	_, dropped, err := ts.RemoteSendFinish()
	require.NoError(t, err)
	assert.True(t, dropped)
}

func TestRemoteAbortThenRemoteSendFinishErrors(t *testing.T) {
	ts := newTubeState(RoleClient)
	removed, dropped, err := ts.RemoteAbort(AbortApplicationError)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, dropped)

	_, _, err = ts.RemoteSendFinish()
	assert.ErrorIs(t, err, ErrReceivedHasFinishedSendingAfterRemoteAbort)
}
