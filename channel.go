package tubez

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ChannelOpts configures a Channel at construction time.
type ChannelOpts struct {
	// Logger receives dispatch-error and cleanup diagnostics. Defaults to
	// NewDefaultLogger() when nil.
	Logger Logger
	// Debug enables verbose per-frame lifecycle logging.
	Debug bool
	// IncomingTubeBacklog bounds how many server-accepted tubes may queue
	// before AcceptTube is called. Defaults to 16.
	IncomingTubeBacklog int
}

// Channel owns one multiplexing context bound to one carrier
// request/response byte-stream pair: the shared outbound sender, the tube
// table, the local tube-id allocator, and the single receive loop that
// feeds the frame decoder into the dispatcher.
type Channel struct {
	role   PeerRole
	logger Logger
	debug  bool

	sendMu sync.Mutex
	sender ByteSender

	tableMu sync.Mutex
	table   tubeTable

	idAlloc *IDAllocator

	incoming chan *Tube

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	wg sync.WaitGroup
}

// NewChannel constructs a Channel for role over sender/receiver and starts
// its receive loop. Callers typically do not construct this directly;
// tubezhttp's Server and Client call it once per accepted/dialed carrier
// connection.
func NewChannel(role PeerRole, sender ByteSender, receiver ByteReceiver, opts ChannelOpts) *Channel {
	logger := opts.Logger
	if logger == nil {
		logger = NewDefaultLogger()
	}
	backlog := opts.IncomingTubeBacklog
	if backlog <= 0 {
		backlog = 16
	}

	idPolicy := IDPolicyOdd
	if role == RoleServer {
		idPolicy = IDPolicyEven
	}

	c := &Channel{
		role:     role,
		logger:   logger,
		debug:    opts.Debug,
		sender:   sender,
		idAlloc:  NewIDAllocator(idPolicy),
		incoming: make(chan *Tube, backlog),
		closed:   make(chan struct{}),
	}

	c.wg.Add(1)
	go c.readLoop(receiver)

	return c
}

func (c *Channel) logf(format string, args ...interface{}) {
	if c.debug {
		c.logger.Printf(format, args...)
	}
}

// sendFrame writes p to the carrier under the outbound mutex, held only
// across this single call so frames from concurrent tubes never
// interleave on the wire.
func (c *Channel) sendFrame(ctx context.Context, p []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	return c.sender.Write(ctx, p)
}

// MakeTube allocates a tube id, transmits a NewTube frame, and returns a
// handle for the new tube. It does not wait for any server-side
// acknowledgement before returning.
func (c *Channel) MakeTube(ctx context.Context, headers map[string]string) (*Tube, error) {
	select {
	case <-c.closed:
		return nil, ErrChannelClosed
	default:
	}

	idHandle, err := c.idAlloc.Take()
	if err != nil {
		return nil, ErrTubeIDsExhausted
	}

	buf, err := EncodeNewTube(nil, idHandle.ID(), headers)
	if err != nil {
		idHandle.Release()
		return nil, err
	}

	if err := c.sendFrame(ctx, buf); err != nil {
		idHandle.Release()
		return nil, err
	}

	state := newTubeState(c.role)
	tube := newTube(c, idHandle.ID(), state)

	c.tableMu.Lock()
	inserted := c.table.Insert(idHandle.ID(), tube, state)
	if inserted {
		c.table.Get(idHandle.ID()).idHandle = idHandle
	}
	c.tableMu.Unlock()
	if !inserted {
		idHandle.Release()
		return nil, ErrInternalDuplicateTubeID
	}

	return tube, nil
}

// AcceptTube blocks until a remotely-opened tube is available (server role
// only), returning an error if ctx ends first or the channel is closed.
func (c *Channel) AcceptTube(ctx context.Context) (*Tube, error) {
	select {
	case tube := <-c.incoming:
		return tube, nil
	case <-c.closed:
		return nil, c.closeErrOrDefault()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) closeErrOrDefault() error {
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrChannelClosed
}

// removeTube deletes id from the tube table and releases its id handle
// (if locally allocated) back to the allocator.
func (c *Channel) removeTube(id uint16) {
	c.tableMu.Lock()
	entry := c.table.Get(id)
	c.table.Delete(id)
	c.tableMu.Unlock()
	if entry != nil && entry.idHandle != nil {
		entry.idHandle.Release()
	}
}

func (c *Channel) lookupTube(id uint16) *tubeEntry {
	c.tableMu.Lock()
	defer c.tableMu.Unlock()
	return c.table.Get(id)
}

// Close tears the channel down locally: remaining tubes observe an
// internal StreamError event and the receive loop is allowed to drain and
// exit once the carrier observes end-of-stream. Close does not block on
// the receive loop exiting.
func (c *Channel) Close() error {
	c.teardown(nil)
	return nil
}

// Done returns a channel closed once the channel is torn down, either by
// Close or by the receive loop ending; it does not wait for the receive
// loop to exit.
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

func (c *Channel) teardown(err error) {
	c.closeOnce.Do(func() {
		if err != nil {
			c.closeErr = err
		}
		close(c.closed)

		c.tableMu.Lock()
		var entries []*tubeEntry
		c.table.Each(func(e *tubeEntry) { entries = append(entries, e) })
		c.tableMu.Unlock()

		for _, e := range entries {
			e.state.EnqueueEvent(TubeEvent{Tag: TubeEventStreamError, Err: c.closeErrOrDefault()})
		}
	})
}

func (c *Channel) readLoop(receiver ByteReceiver) {
	defer c.wg.Done()
	decoder := NewDecoder()
	ctx := context.Background()

	for {
		chunk, err := receiver.Next(ctx)
		if len(chunk) > 0 {
			frames, decErr := decoder.Feed(chunk)
			for _, fr := range frames {
				if dispErr := c.dispatch(fr); dispErr != nil {
					c.logger.Printf("tubez: dispatch error: %v", dispErr)
				}
			}
			if decErr != nil {
				c.logger.Printf("tubez: decode error, tearing down channel: %v", decErr)
				c.teardown(decErr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.teardown(nil)
			} else {
				c.teardown(err)
			}
			return
		}
	}
}
