// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

// connectTimeout bounds one dial attempt. Redialing is driven externally,
// normally by the owning service's reconnect timer.
const connectTimeout = 10 * time.Second

// Client is the outbound half of a service connection: it sends requests to
// one remote coordinate and routes the replies back by message id. A lost
// connection fails all in-flight calls with ErrDisconnected; the client is
// reusable as soon as TryConnect succeeds again.
type Client struct {
	coord  ServiceCoord
	book   AddressBook
	logger hclog.Logger

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	dialing   bool
	closed    bool
	pending   map[string]*pendingCall
	onConnect []func(ServiceCoord)
}

type pendingCall struct {
	method string
	cb     func(*Message, error)
}

// NewClient creates a client for the given coordinate. No connection is
// attempted until TryConnect.
func NewClient(coord ServiceCoord, book AddressBook, logger hclog.Logger) *Client {
	return &Client{
		coord:   coord,
		book:    book,
		logger:  logger.Named("rpc.client").With("remote", coord.String()),
		pending: make(map[string]*pendingCall),
	}
}

// Coord returns the remote coordinate this client dials.
func (c *Client) Coord() ServiceCoord { return c.coord }

// Connected reports whether the transport is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// OnConnect registers a hook fired after every successful dial, including
// reconnects. Hooks run on the dialing goroutine.
func (c *Client) OnConnect(fn func(ServiceCoord)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// TryConnect dials the remote coordinate if the transport is down. It is
// safe to call concurrently and from a reconnect timer; extra calls while a
// dial is in flight return ErrNotConnected.
func (c *Client) TryConnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrShutdown
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.dialing {
		c.mu.Unlock()
		return ErrNotConnected
	}
	addr, ok := c.book.Address(c.coord)
	if !ok {
		c.mu.Unlock()
		return errors.New("no address configured for " + c.coord.String())
	}
	c.dialing = true
	c.mu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, connectTimeout)

	c.mu.Lock()
	c.dialing = false
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrShutdown
	}
	c.conn = conn
	c.connected = true
	hooks := make([]func(ServiceCoord), len(c.onConnect))
	copy(hooks, c.onConnect)
	c.mu.Unlock()

	metrics.IncrCounter([]string{"gavel", "rpc", "client", "connect"}, 1)
	c.logger.Info("connected", "address", addr)
	go c.readLoop(conn)
	for _, hook := range hooks {
		hook(c.coord)
	}
	return nil
}

// Close tears down the transport and fails in-flight calls. The client is
// not reusable afterwards.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Call invokes a remote method and decodes the reply, blocking until the
// reply arrives, ctx expires, or the connection is lost. A *[]byte reply
// receives the binary section of binary_response methods.
func (c *Client) Call(ctx context.Context, method string, args, reply interface{}) error {
	return c.call(ctx, method, args, nil, reply)
}

// CallBinary is Call with a binary section attached to the request, as used
// by file uploads.
func (c *Client) CallBinary(ctx context.Context, method string, args interface{}, payload []byte, reply interface{}) error {
	return c.call(ctx, method, args, payload, reply)
}

func (c *Client) call(ctx context.Context, method string, args interface{}, payload []byte, reply interface{}) error {
	type result struct {
		msg *Message
		err error
	}
	ch := make(chan result, 1)
	id, err := c.send(method, args, payload, func(m *Message, err error) {
		ch <- result{m, err}
	})
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		// The reply may still arrive; forgetting the id makes the read
		// loop drop it.
		c.forget(id)
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		return decodeReply(method, r.msg, reply)
	}
}

// Go invokes a remote method and delivers the outcome to cb from the
// client's reply loop. The callback must not block for long.
func (c *Client) Go(method string, args interface{}, cb func(data json.RawMessage, err error)) {
	_, err := c.send(method, args, nil, func(m *Message, err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		if m.Error != "" {
			cb(nil, &RemoteError{Method: method, Msg: m.Error})
			return
		}
		cb(m.Data, nil)
	})
	if err != nil {
		go cb(nil, err)
	}
}

// Notify invokes a remote method and discards the reply; failures are only
// logged.
func (c *Client) Notify(method string, args interface{}) {
	_, err := c.send(method, args, nil, func(m *Message, err error) {
		if err == nil && m.Error != "" {
			err = &RemoteError{Method: method, Msg: m.Error}
		}
		if err != nil {
			c.logger.Error("notification failed", "method", method, "error", err)
		}
	})
	if err != nil {
		c.logger.Error("notification failed", "method", method, "error", err)
	}
}

func (c *Client) send(method string, args interface{}, payload []byte, cb func(*Message, error)) (string, error) {
	if args == nil {
		args = struct{}{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	msg := &Message{
		ID:     NewMessageID(),
		Method: method,
		Data:   data,
		Binary: payload,
	}
	frame, err := EncodeFrame(msg)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrShutdown
	}
	if !c.connected {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	c.pending[msg.ID] = &pendingCall{method: method, cb: cb}
	conn := c.conn
	if _, err := conn.Write(frame); err != nil {
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		c.teardown(err)
		return "", err
	}
	c.mu.Unlock()

	metrics.IncrCounter([]string{"gavel", "rpc", "client", "request"}, 1)
	return msg.ID, nil
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) readLoop(conn net.Conn) {
	br := bufio.NewReader(conn)
	for {
		msg, err := ReadFrame(br)
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				c.logger.Warn("dropping malformed frame", "error", err)
				continue
			}
			c.teardown(err)
			return
		}
		if msg.IsRequest() {
			c.logger.Warn("dropping unexpected request on client connection", "method", msg.Method)
			continue
		}

		c.mu.Lock()
		pc := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()

		if pc == nil {
			// Reply for a call whose waiter already gave up.
			c.logger.Debug("dropping reply with unknown id", "id", msg.ID)
			continue
		}
		go pc.cb(msg, nil)
	}
}

// teardown closes the transport, fails every pending call and leaves the
// client ready for the next TryConnect.
func (c *Client) teardown(cause error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.connected = false
	abandoned := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	conn.Close()
	metrics.IncrCounter([]string{"gavel", "rpc", "client", "disconnect"}, 1)
	c.logger.Info("connection lost", "error", cause)
	for _, pc := range abandoned {
		go pc.cb(nil, ErrDisconnected)
	}
}

func decodeReply(method string, msg *Message, reply interface{}) error {
	if msg.Error != "" {
		return &RemoteError{Method: method, Msg: msg.Error}
	}
	if reply == nil {
		return nil
	}
	if b, ok := reply.(*[]byte); ok {
		// Binary response; a zero length section is elided on the wire so
		// nil means empty.
		*b = msg.Binary
		return nil
	}
	return json.Unmarshal(msg.Data, reply)
}
