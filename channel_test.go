package tubez

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memPipe is an in-memory ByteSender/ByteReceiver pair standing in for a
// carrier connection in tests: writes on one side become readable chunks
// on the other.
type memPipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	closed bool
}

func newMemPipe() *memPipe {
	p := &memPipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *memPipe) Write(ctx context.Context, b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return io.ErrClosedPipe
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	p.chunks = append(p.chunks, cp)
	p.cond.Signal()
	return nil
}

func (p *memPipe) Next(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.chunks) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.chunks) > 0 {
		c := p.chunks[0]
		p.chunks = p.chunks[1:]
		return c, nil
	}
	return nil, io.EOF
}

func (p *memPipe) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// newChannelPair wires a client Channel and a server Channel together
// over two memPipes, one per direction.
func newChannelPair(t *testing.T) (client, server *Channel, teardown func()) {
	t.Helper()
	c2s := newMemPipe()
	s2c := newMemPipe()

	client = NewChannel(RoleClient, c2s, s2c, ChannelOpts{})
	server = NewChannel(RoleServer, s2c, c2s, ChannelOpts{})

	return client, server, func() {
		c2s.Close()
		s2c.Close()
	}
}

func TestHalfCloseHandshake(t *testing.T) {
	client, server, teardown := newChannelPair(t)
	defer teardown()

	ctx := context.Background()
	clientTube, err := client.MakeTube(ctx, map[string]string{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, clientTube.ID())

	serverTube, err := server.AcceptTube(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, serverTube.ID())

	ev, ok, err := serverTube.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TubeEventAuthenticatedAndReady, ev.Tag)

	var acked sync.WaitGroup
	acked.Add(1)
	go func() {
		defer acked.Done()
		sendErr := clientTube.Send(ctx, []byte("hi"))
		assert.NoError(t, sendErr)
	}()

	ev, ok, err = serverTube.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, TubeEventPayload, ev.Tag)
	assert.Equal(t, []byte("hi"), ev.Payload)

	acked.Wait()

	require.NoError(t, clientTube.HasFinishedSending(ctx))

	ev, ok, err = serverTube.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TubeEventClientHasFinishedSending, ev.Tag)

	require.NoError(t, serverTube.HasFinishedSending(ctx))

	ev, ok, err = clientTube.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TubeEventServerHasFinishedSending, ev.Tag)

	assert.True(t, clientTube.state.IsTerminal())
	assert.True(t, serverTube.state.IsTerminal())
	assert.Nil(t, client.lookupTube(clientTube.ID()))
	assert.Nil(t, server.lookupTube(serverTube.ID()))
}

func TestAckTimeout(t *testing.T) {
	client, server, teardown := newChannelPair(t)
	defer teardown()

	ctx := context.Background()
	clientTube, err := client.MakeTube(ctx, map[string]string{})
	require.NoError(t, err)

	_, err = server.AcceptTube(ctx)
	require.NoError(t, err)
	// The server dispatcher acks every ack-requested payload; closing the
	// server channel makes that ack write fail, so no ack ever arrives.
	server.Close()

	sendCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err = clientTube.Send(sendCtx, []byte("never acked"))
	assert.ErrorIs(t, err, ErrTimedOutWaitingOnAck)

	assert.Empty(t, clientTube.state.sendacks)
}

func TestAbortPrecedenceDropsLateHasFinishedSending(t *testing.T) {
	client, server, teardown := newChannelPair(t)
	defer teardown()

	ctx := context.Background()
	clientTube, err := client.MakeTube(ctx, map[string]string{})
	require.NoError(t, err)
	serverTube, err := server.AcceptTube(ctx)
	require.NoError(t, err)

	require.NoError(t, clientTube.Abort(ctx))

	ev, ok, err := serverTube.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TubeEventAuthenticatedAndReady, ev.Tag)
	ev, ok, err = serverTube.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TubeEventAbort, ev.Tag)
	assert.Equal(t, AbortApplicationAbort, ev.Reason)

	// Play a server that has not yet seen the abort: write its
	// has-finished-sending frame straight onto the wire (the server tube
	// itself would refuse with ErrTubeAlreadyAborted). The client must drop
	// it without any effect on its aborted tube.
	require.NoError(t, server.sendFrame(ctx, EncodeServerHasFinishedSending(nil, serverTube.ID())))

	time.Sleep(20 * time.Millisecond) // let the frame reach the client's receive loop
	assert.True(t, clientTube.state.IsTerminal())
}

func TestConcurrentSendsOnTwoTubesDoNotInterleave(t *testing.T) {
	client, server, teardown := newChannelPair(t)
	defer teardown()

	ctx := context.Background()
	const perTube = 100

	tubeA, err := client.MakeTube(ctx, map[string]string{})
	require.NoError(t, err)
	tubeB, err := client.MakeTube(ctx, map[string]string{})
	require.NoError(t, err)

	serverTubes := map[uint16]*Tube{}
	var mu sync.Mutex
	var wgAccept sync.WaitGroup
	wgAccept.Add(2)
	go func() {
		for i := 0; i < 2; i++ {
			st, err := server.AcceptTube(ctx)
			require.NoError(t, err)
			mu.Lock()
			serverTubes[st.ID()] = st
			mu.Unlock()
			go func(st *Tube) {
				defer wgAccept.Done()
				received := 0
				for received < perTube {
					ev, ok, err := st.Next(ctx)
					require.NoError(t, err)
					require.True(t, ok)
					if ev.Tag == TubeEventPayload {
						received++
					}
				}
			}(st)
		}
	}()

	var wgSend sync.WaitGroup
	wgSend.Add(2)
	sendAll := func(tube *Tube) {
		defer wgSend.Done()
		for i := 0; i < perTube; i++ {
			require.NoError(t, tube.Send(ctx, []byte("x")))
		}
	}
	go sendAll(tubeA)
	go sendAll(tubeB)

	wgSend.Wait()
	wgAccept.Wait()
}
