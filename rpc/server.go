// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

// MethodFlag annotates a registered method.
type MethodFlag uint8

const (
	// FlagCallable marks a method invocable over the wire. Requests for
	// anything else are rejected with an authorization error.
	FlagCallable MethodFlag = 1 << iota

	// FlagBinaryResponse marks a method whose result is an opaque byte
	// string, carried in the frame's binary section instead of __data.
	FlagBinaryResponse

	// FlagThreaded marks a method that may block for a long time, such as
	// a worker running a job. Every request is served on its own goroutine
	// either way; the flag documents the contract and exempts the method
	// from slow-handler warnings.
	FlagThreaded
)

// slowHandlerThreshold is how long a non-threaded handler may run before a
// warning is logged. Long handlers must be registered FlagThreaded.
const slowHandlerThreshold = time.Second

// Request is an inbound invocation as seen by a handler.
type Request struct {
	Method string
	Data   json.RawMessage
	Binary []byte
	Remote string
}

// Decode unmarshals the request arguments into v.
func (r *Request) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decoding %s arguments: %w", r.Method, err)
	}
	return nil
}

// Handler serves one method. The returned value is marshaled into __data,
// or used as the binary section for FlagBinaryResponse methods (in which
// case it must be a []byte). A returned error travels in __error.
type Handler func(ctx context.Context, req *Request) (interface{}, error)

type registeredMethod struct {
	handler Handler
	flags   MethodFlag
}

// Server is the inbound half of a service: it accepts connections, reads
// request frames and dispatches them to the method registry, writing each
// reply back on the connection the request arrived on.
type Server struct {
	logger hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	methods  map[string]registeredMethod
	listener net.Listener
	conns    map[net.Conn]struct{}
	shutdown bool
}

// NewServer creates a server with an empty registry.
func NewServer(logger hclog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		logger:  logger.Named("rpc.server"),
		ctx:     ctx,
		cancel:  cancel,
		methods: make(map[string]registeredMethod),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Register adds a method to the registry. Registration happens at startup,
// before Listen; later registrations are a bug.
func (s *Server) Register(name string, flags MethodFlag, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.methods[name]; exists {
		panic(fmt.Sprintf("method %q registered twice", name))
	}
	s.methods[name] = registeredMethod{handler: handler, flags: flags}
}

// Listen binds the address and starts accepting connections.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("listening", "address", ln.Addr().String())
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, closes every connection and cancels handler
// contexts.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	ln := s.listener
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	s.cancel()
	if ln != nil {
		ln.Close()
	}
	for _, conn := range conns {
		conn.Close()
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			down := s.shutdown
			s.mu.Unlock()
			if down {
				return
			}
			s.logger.Error("failed to accept connection", "error", err)
			continue
		}

		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		metrics.IncrCounter([]string{"gavel", "rpc", "server", "accept"}, 1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	sc := &serverConn{conn: conn}
	br := bufio.NewReader(conn)
	for {
		msg, err := ReadFrame(br)
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				s.logger.Warn("dropping malformed frame", "remote", conn.RemoteAddr(), "error", err)
				continue
			}
			return
		}
		if !msg.IsRequest() {
			s.logger.Warn("dropping response frame on server connection", "remote", conn.RemoteAddr())
			continue
		}
		go s.dispatch(sc, msg)
	}
}

// dispatch runs one request through the registry and writes the reply.
func (s *Server) dispatch(sc *serverConn, msg *Message) {
	start := time.Now()
	defer metrics.MeasureSince([]string{"gavel", "rpc", "server", "dispatch"}, start)

	s.mu.Lock()
	m, ok := s.methods[msg.Method]
	s.mu.Unlock()

	if !ok || m.flags&FlagCallable == 0 {
		s.logger.Warn("rejecting method", "method", msg.Method, "remote", sc.conn.RemoteAddr())
		metrics.IncrCounter([]string{"gavel", "rpc", "server", "rejected"}, 1)
		s.reply(sc, &Message{ID: msg.ID, Error: "method not callable: " + msg.Method})
		return
	}
	if msg.Data == nil {
		s.reply(sc, &Message{ID: msg.ID, Error: "missing __data in request"})
		return
	}

	req := &Request{
		Method: msg.Method,
		Data:   msg.Data,
		Binary: msg.Binary,
		Remote: sc.conn.RemoteAddr().String(),
	}
	result, err := s.invoke(m.handler, req)

	if m.flags&FlagThreaded == 0 {
		if elapsed := time.Since(start); elapsed > slowHandlerThreshold {
			s.logger.Warn("slow handler on non-threaded method", "method", msg.Method, "elapsed", elapsed)
		}
	}

	resp := &Message{ID: msg.ID}
	switch {
	case err != nil:
		resp.Error = err.Error()
	case m.flags&FlagBinaryResponse != 0:
		b, isBytes := result.([]byte)
		if !isBytes {
			resp.Error = fmt.Sprintf("internal error: binary method %s returned %T", msg.Method, result)
		} else {
			resp.Binary = b
		}
	case result != nil:
		data, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = fmt.Sprintf("internal error: encoding %s reply: %v", msg.Method, merr)
		} else {
			resp.Data = data
		}
	}
	s.reply(sc, resp)
}

// invoke runs the handler, converting a panic into an error reply rather
// than a dead service.
func (s *Server) invoke(h Handler, req *Request) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", "method", req.Method, "panic", r)
			result = nil
			err = fmt.Errorf("internal error serving %s", req.Method)
		}
	}()
	return h(s.ctx, req)
}

func (s *Server) reply(sc *serverConn, msg *Message) {
	frame, err := EncodeFrame(msg)
	if err != nil {
		s.logger.Error("failed to encode reply", "error", err)
		return
	}
	if err := sc.write(frame); err != nil {
		s.logger.Debug("failed to write reply", "error", err)
	}
}

// serverConn serializes reply writes from concurrent handlers.
type serverConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (sc *serverConn) write(frame []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, err := sc.conn.Write(frame)
	return err
}
