package rpcproto

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"

	"github.com/Norbi-S/sioworkers/job"
	"github.com/Norbi-S/sioworkers/worker"
)

// call wraps a frame with a correlation id so that several dispatched
// jobs can be in flight on the same connection concurrently (a worker
// may have concurrency > 1), the same way net/rpc's Client
// multiplexes calls over one stream.
type call struct {
	ID      uint64
	Method  string
	Payload interface{}
	Err     string
}

func init() {
	gob.Register(call{})
	gob.Register(job.Env{})
	gob.Register(Hello{})
	gob.Register(map[string]interface{}{})
	gob.Register([]string{})
}

// Conn is the dispatcher-side implementation of worker.Connection: a
// TCP connection to one worker, multiplexing concurrent Run/Ping/
// GetRunning calls over a single framed-gob stream (SPEC_FULL.md §6).
type Conn struct {
	remoteAddr string

	mu      sync.Mutex
	enc     *gob.Encoder
	conn    net.Conn
	nextID  uint64
	pending map[uint64]chan call
	closed  bool
	closeCh chan struct{}
}

// Dial connects to addr and returns a multiplexed Conn. It performs no
// handshake: the hello exchange is a MethodHello call made over the
// Conn (as Listener.handle does for accepted connections) before it is
// treated as a registered worker.
func Dial(addr string) (*Conn, error) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return newConn(nc), nil
}

func newConn(nc net.Conn) *Conn {
	c := &Conn{
		remoteAddr: nc.RemoteAddr().String(),
		conn:       nc,
		enc:        gob.NewEncoder(nc),
		pending:    make(map[uint64]chan call),
		closeCh:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	dec := gob.NewDecoder(c.conn)
	for {
		var rc call
		if err := dec.Decode(&rc); err != nil {
			c.shutdown()
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[rc.ID]
		if ok {
			delete(c.pending, rc.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- rc
		}
	}
}

func (c *Conn) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	close(c.closeCh)
	for _, ch := range pending {
		close(ch)
	}
	c.conn.Close()
}

func (c *Conn) roundTrip(ctx context.Context, method string, payload interface{}) (interface{}, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", worker.ErrConnClosed, c.remoteAddr)
	}
	c.nextID++
	id := c.nextID
	ch := make(chan call, 1)
	c.pending[id] = ch
	req := call{ID: id, Method: method, Payload: payload}
	err := c.enc.Encode(&req)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", worker.ErrConnClosed, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeCh:
		return nil, fmt.Errorf("%w: connection to %s closed while waiting for %s", worker.ErrConnClosed, c.remoteAddr, method)
	case rc, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%w: connection to %s closed while waiting for %s", worker.ErrConnClosed, c.remoteAddr, method)
		}
		if rc.Err != "" {
			return nil, remoteError(rc.Err)
		}
		return rc.Payload, nil
	}
}

// Run implements worker.Connection.
func (c *Conn) Run(ctx context.Context, env *job.Env) (map[string]interface{}, error) {
	reply, err := c.roundTrip(ctx, MethodRun, *env)
	if err != nil {
		return nil, err
	}
	result, ok := reply.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("rpcproto: run reply for %s had unexpected type %T", env.TaskID, reply)
	}
	return result, nil
}

// GetRunning implements worker.Connection.
func (c *Conn) GetRunning(ctx context.Context) ([]string, error) {
	reply, err := c.roundTrip(ctx, MethodGetRunning, nil)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, nil
	}
	ids, ok := reply.([]string)
	if !ok {
		return nil, fmt.Errorf("rpcproto: get_running reply had unexpected type %T", reply)
	}
	return ids, nil
}

// Ping implements worker.Connection.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.roundTrip(ctx, MethodPing, nil)
	return err
}

// Close implements worker.Connection.
func (c *Conn) Close() error {
	c.shutdown()
	return nil
}

// RemoteAddr implements worker.Connection.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Done implements worker.Connection.
func (c *Conn) Done() <-chan struct{} {
	return c.closeCh
}
