package wire

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/compilerpool/compilerpool/internal/errorsx"
)

// Conn is a framed, bidirectional connection with request/reply
// matching by request id (spec §4.1). The pool side uses Call to issue
// requests and block for the matching reply; the worker/broker side
// uses Serve to answer requests as they arrive. The reply-matching read
// loop starts with the first Call, and Serve reads the socket itself,
// so each Conn plays one of the two roles.
type Conn struct {
	nc net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[uint64]chan wireResult
	closed  bool
	closeErr error

	nextReqID atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once
	readOnce  sync.Once
}

type wireResult struct {
	payload []byte
	err     error
}

// NewConn wraps an already-connected socket. The background read loop
// that matches replies starts on the first Call. Call Close to stop the
// loop and fail any outstanding Call.
func NewConn(nc net.Conn) *Conn {
	c := &Conn{
		nc:      nc,
		waiters: make(map[uint64]chan wireResult),
		done:    make(chan struct{}),
	}
	return c
}

// NextReqID returns a fresh, connection-local request id for Call.
func (c *Conn) NextReqID() uint64 {
	return c.nextReqID.Add(1)
}

func (c *Conn) readLoop() {
	for {
		f, err := ReadFrame(c.nc)
		if err != nil {
			c.failAll(errorsx.NewConnErr("connection lost", err))
			return
		}

		c.mu.Lock()
		ch, ok := c.waiters[f.ReqID]
		if ok {
			delete(c.waiters, f.ReqID)
		}
		c.mu.Unlock()

		if ok {
			ch <- wireResult{payload: f.Payload}
		}
		// Mismatched/late reply: the request that expected it was
		// cancelled or timed out. Drop it silently (spec §4.1).
	}
}

func (c *Conn) failAll(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeErr = err
		waiters := c.waiters
		c.waiters = make(map[uint64]chan wireResult)
		c.mu.Unlock()
		close(c.done)

		for _, ch := range waiters {
			ch <- wireResult{err: err}
		}
	})
}

// Call sends payload tagged with reqID and blocks for the matching
// reply, or until ctx is cancelled. On cancellation the waiter is
// abandoned: the worker may still complete the call and its late
// reply is dropped by readLoop when it arrives (spec §5 cancellation
// hand-off, S5).
func (c *Conn) Call(ctx context.Context, reqID uint64, payload []byte) ([]byte, error) {
	c.readOnce.Do(func() { go c.readLoop() })
	ch := make(chan wireResult, 1)

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.waiters[reqID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := WriteFrame(c.nc, reqID, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.waiters, reqID)
		c.mu.Unlock()
		return nil, errorsx.NewConnErr("write failed", err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.waiters, reqID)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.closeErr
	}
}

// Serve reads requests in a loop and replies with handler's output,
// tagged with the same request id. Runs until the connection closes.
// Matches the worker agent's single-call-in-flight dispatch loop
// (spec §4.3): handler is invoked synchronously, one request at a
// time, in read order.
func (c *Conn) Serve(handler func(payload []byte) []byte) error {
	for {
		f, err := ReadFrame(c.nc)
		if err != nil {
			c.failAll(errorsx.NewConnErr("connection lost", err))
			return err
		}

		resp := handler(f.Payload)

		c.writeMu.Lock()
		werr := WriteFrame(c.nc, f.ReqID, resp)
		c.writeMu.Unlock()
		if werr != nil {
			c.failAll(errorsx.NewConnErr("write failed", werr))
			return werr
		}
	}
}

// Close shuts down the connection and fails any outstanding Call with
// a connection error (a ConnErr whose cause is ErrPoolClosed).
func (c *Conn) Close() error {
	c.failAll(errorsx.NewConnErr("closed", errorsx.ErrPoolClosed))
	return c.nc.Close()
}

// Raw returns the underlying net.Conn, e.g. for deadline management.
func (c *Conn) Raw() net.Conn { return c.nc }

// Done returns a channel closed once the connection has failed or been
// closed (its read loop or Serve has exited), so an idle worker's pool-side owner can notice its process
// vanished without being in the middle of a Call.
func (c *Conn) Done() <-chan struct{} { return c.done }
