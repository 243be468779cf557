package peer

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/memofed/memo/address"
	"github.com/memofed/memo/cryptoutil"
)

// State is a Connection's position in its lifecycle:
// Created -> Connecting -> Connected -> (Disconnected <->
// Connecting) -> Dead.
type State int

const (
	StateCreated State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateDead
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Dialer opens the underlying transport connection (TCP or UTP).
type Dialer func(ctx context.Context) (net.Conn, error)

// Connection is a single dialed transport connection carrying a
// request/response RPC multiplex: each Call gets its own channel id so
// many calls can be in flight concurrently over one socket.
type Connection struct {
	dial           Dialer
	logger         *logrus.Logger
	connectTimeout time.Duration
	identity       *Identity

	mu            sync.Mutex
	state         State
	conn          net.Conn
	enc           *gob.Encoder
	dec           *gob.Decoder
	sessionKey    cryptoutil.SealKey
	hasSessionKey bool

	writeMu sync.Mutex

	nextChannel uint32
	pendingMu   sync.Mutex
	pending     map[uint32]chan rpcResponse
}

// NewConnection builds a Connection that dials lazily on first Call or
// explicit Connect. identity, if non-nil, is presented during the
// handshake performed on every (re)connect; a nil identity presents no
// passport and negotiates no session key.
func NewConnection(dial Dialer, connectTimeout time.Duration, logger *logrus.Logger, identity *Identity) *Connection {
	if logger == nil {
		logger = logrus.New()
	}
	return &Connection{dial: dial, connectTimeout: connectTimeout, logger: logger, identity: identity, state: StateCreated}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect blocks until the connection reaches StateConnected or
// connectTimeout elapses.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	dialCtx := ctx
	var cancel context.CancelFunc
	if c.connectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, c.connectTimeout)
		defer cancel()
	}
	conn, err := c.dial(dialCtx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("peer: connect: %w", err)
	}

	enc := gob.NewEncoder(conn)
	dec := gob.NewDecoder(bufio.NewReader(conn))
	sessionKey, hasKey, err := clientHandshake(enc, dec, c.identity)
	if err != nil {
		conn.Close()
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("peer: handshake: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.enc = enc
	c.dec = dec
	c.sessionKey = sessionKey
	c.hasSessionKey = hasKey
	c.state = StateConnected
	c.mu.Unlock()

	c.pendingMu.Lock()
	c.pending = make(map[uint32]chan rpcResponse)
	c.pendingMu.Unlock()

	go c.readLoop(conn)
	return nil
}

// Reconnect tears the current connection down (if any) and re-dials; any
// RPC in flight on the broken channel is failed and must be retried by
// the caller.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.state = StateConnecting
	c.mu.Unlock()
	return c.Connect(ctx)
}

func (c *Connection) readLoop(owner net.Conn) {
	for {
		c.mu.Lock()
		dec := c.dec
		current := c.conn
		key := c.sessionKey
		hasKey := c.hasSessionKey
		c.mu.Unlock()
		if current != owner {
			return
		}
		var resp rpcResponse
		if err := dec.Decode(&resp); err != nil {
			c.markBroken(owner, err)
			return
		}
		if hasKey && resp.Sealed != nil {
			result, err := openArgs(key, resp.Sealed)
			if err != nil {
				c.logger.Debugf("peer: open sealed response: %v", err)
				resp.Status = statusError
				resp.ErrMsg = "peer: failed to open sealed response"
			} else {
				resp.Result = result
			}
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ChannelID]
		if ok {
			delete(c.pending, resp.ChannelID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Connection) markBroken(owner net.Conn, err error) {
	c.mu.Lock()
	if c.conn == owner {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
	c.logger.Debugf("peer: connection broken: %v", err)
}

// Call sends method with args and waits for the matching response,
// reconnecting and retrying up to ~8 times with exponential backoff
// (base 200ms) on network error.
func (c *Connection) Call(ctx context.Context, method string, args interface{}) (rpcResponse, error) {
	var result rpcResponse
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	bo := backoff.WithContext(backoff.WithMaxRetries(b, 8), ctx)

	op := func() error {
		if c.State() != StateConnected {
			if err := c.Connect(ctx); err != nil {
				return err
			}
		}
		resp, err := c.callOnce(ctx, method, args)
		if err != nil {
			return err
		}
		result = resp
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		return rpcResponse{}, fmt.Errorf("peer: rpc %s: %w", method, err)
	}
	return result, nil
}

func (c *Connection) callOnce(ctx context.Context, method string, args interface{}) (rpcResponse, error) {
	id := atomic.AddUint32(&c.nextChannel, 1)
	ch := make(chan rpcResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.mu.Lock()
	enc := c.enc
	key := c.sessionKey
	hasKey := c.hasSessionKey
	c.mu.Unlock()

	req := rpcRequest{ChannelID: id, Method: method, Version: ProtocolVersion}
	if hasKey {
		sealed, err := sealArgs(key, args)
		if err != nil {
			c.pendingMu.Lock()
			delete(c.pending, id)
			c.pendingMu.Unlock()
			return rpcResponse{}, fmt.Errorf("peer: seal args: %w", err)
		}
		req.Sealed = sealed
	} else {
		req.Args = args
	}

	c.writeMu.Lock()
	err := enc.Encode(&req)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return rpcResponse{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return rpcResponse{}, io.ErrClosedPipe
		}
		return resp, nil
	case <-ctx.Done():
		return rpcResponse{}, ctx.Err()
	}
}

// Heartbeat starts a background loop that pings the peer every interval
// (a cheap Fetch of the null address) until ctx is canceled or a round
// trip fails, at which point onFail runs once and the loop exits — the
// soft-fail detector that lets callers mark a peer
// down for quorum rebalancing purposes without waiting for an in-flight
// RPC to time out on its own. A nil interval or onFail disables it.
func (c *Connection) Heartbeat(ctx context.Context, interval time.Duration, onFail func(error)) {
	if interval <= 0 || onFail == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, interval)
				if c.State() != StateConnected {
					if err := c.Connect(pingCtx); err != nil {
						cancel()
						onFail(err)
						return
					}
				}
				_, err := c.callOnce(pingCtx, methodFetch, fetchArgs{Addr: address.Null})
				cancel()
				if err != nil {
					onFail(err)
					return
				}
			}
		}
	}()
}

// Close marks the connection Dead and releases the socket.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDead
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
