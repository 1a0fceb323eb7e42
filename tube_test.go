package tubez

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAbortThenAbortErrors(t *testing.T) {
	client, server, teardown := newChannelPair(t)
	defer teardown()
	defer server.Close()

	ctx := context.Background()
	tube, err := client.MakeTube(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, tube.Abort(ctx))
	err = tube.Abort(ctx)
	assert.ErrorIs(t, err, ErrAlreadyAborted)
}

func TestHasFinishedSendingTwiceErrors(t *testing.T) {
	client, server, teardown := newChannelPair(t)
	defer teardown()
	defer server.Close()

	ctx := context.Background()
	tube, err := client.MakeTube(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, tube.HasFinishedSending(ctx))
	err = tube.HasFinishedSending(ctx)
	assert.ErrorIs(t, err, ErrAlreadyMarkedAsFinishedSending)
}

func TestCloseOnOpenTubeSendsAbort(t *testing.T) {
	client, server, teardown := newChannelPair(t)
	defer teardown()

	ctx := context.Background()
	clientTube, err := client.MakeTube(ctx, nil)
	require.NoError(t, err)
	serverTube, err := server.AcceptTube(ctx)
	require.NoError(t, err)

	clientTube.Close()

	ev, ok, err := serverTube.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TubeEventAuthenticatedAndReady, ev.Tag)

	ev, ok, err = serverTube.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TubeEventAbort, ev.Tag)
	assert.Equal(t, AbortApplicationError, ev.Reason)
}

func TestCloseAfterRemoteHalfCloseSendsPoliteFinish(t *testing.T) {
	client, server, teardown := newChannelPair(t)
	defer teardown()

	ctx := context.Background()
	clientTube, err := client.MakeTube(ctx, nil)
	require.NoError(t, err)
	serverTube, err := server.AcceptTube(ctx)
	require.NoError(t, err)

	require.NoError(t, serverTube.HasFinishedSending(ctx))

	ev, ok, err := clientTube.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TubeEventServerHasFinishedSending, ev.Tag)

	clientTube.Close()

	time.Sleep(20 * time.Millisecond)
	assert.True(t, serverTube.state.IsTerminal())
}

func TestCloseOnTerminalTubeIsANoop(t *testing.T) {
	client, server, teardown := newChannelPair(t)
	defer teardown()
	defer server.Close()

	ctx := context.Background()
	tube, err := client.MakeTube(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, tube.Abort(ctx))

	tube.Close() // must not attempt to send a second abort
	tube.Close() // idempotent
}
