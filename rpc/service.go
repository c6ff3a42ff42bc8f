// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// reconnectPeriod is how often disconnected outbound peers are redialed.
const reconnectPeriod = 2 * time.Second

// Service is the base every grading service is built on: a listening
// server, a set of reconnecting outbound clients, the timer wheel, and the
// universal echo and quit methods.
type Service struct {
	coord  ServiceCoord
	book   AddressBook
	logger hclog.Logger

	server *Server
	wheel  *TimerWheel

	clientLock sync.Mutex
	clients    map[ServiceCoord]*Client

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewService creates the service base and, when the coordinate has a
// configured address, binds its listener. Services without an address run
// client-only, which is how admin tooling connects to the mesh.
func NewService(coord ServiceCoord, book AddressBook, logger hclog.Logger) (*Service, error) {
	s := &Service{
		coord:      coord,
		book:       book,
		logger:     logger,
		server:     NewServer(logger),
		wheel:      NewTimerWheel(logger),
		clients:    make(map[ServiceCoord]*Client),
		shutdownCh: make(chan struct{}),
	}

	s.server.Register("echo", FlagCallable, s.handleEcho)
	s.server.Register("quit", FlagCallable, s.handleQuit)

	if addr, ok := book.Address(coord); ok {
		if err := s.server.Listen(addr); err != nil {
			return nil, fmt.Errorf("starting %s: %w", coord, err)
		}
	} else {
		s.logger.Info("no address configured, running client-only", "coord", coord.String())
	}

	s.wheel.Add("reconnect", reconnectPeriod, false, s.reconnectAll)
	return s, nil
}

// Coord returns the coordinate this service runs as.
func (s *Service) Coord() ServiceCoord { return s.coord }

// Register adds a method to the service's registry.
func (s *Service) Register(name string, flags MethodFlag, handler Handler) {
	s.server.Register(name, flags, handler)
}

// AddTimer schedules periodic work on the service's wheel.
func (s *Service) AddTimer(name string, period time.Duration, immediately bool, fn func() bool) {
	s.wheel.Add(name, period, immediately, fn)
}

// Addr returns the listener address, nil when running client-only.
func (s *Service) Addr() string {
	addr := s.server.Addr()
	if addr == nil {
		return ""
	}
	return addr.String()
}

// Connect returns the client for the given coordinate, creating it on first
// use. The connection is dialed in the background and redialed by the
// reconnect timer after any loss.
func (s *Service) Connect(coord ServiceCoord) *Client {
	s.clientLock.Lock()
	defer s.clientLock.Unlock()
	if c, ok := s.clients[coord]; ok {
		return c
	}
	c := NewClient(coord, s.book, s.logger)
	s.clients[coord] = c
	go func() {
		if err := c.TryConnect(); err != nil {
			s.logger.Debug("initial connection failed, will retry", "remote", coord.String(), "error", err)
		}
	}()
	return c
}

// reconnectAll retries every disconnected outbound peer. Runs on the wheel.
func (s *Service) reconnectAll() bool {
	s.clientLock.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientLock.Unlock()

	for _, c := range clients {
		if c.Connected() {
			continue
		}
		if err := c.TryConnect(); err != nil {
			s.logger.Trace("reconnect attempt failed", "remote", c.Coord().String(), "error", err)
		}
	}
	return true
}

// Run blocks until the service shuts down, via Shutdown or a received quit.
func (s *Service) Run() {
	<-s.shutdownCh
}

// ShutdownCh returns a channel closed when shutdown begins.
func (s *Service) ShutdownCh() <-chan struct{} {
	return s.shutdownCh
}

// IsShutdown reports whether shutdown has begun.
func (s *Service) IsShutdown() bool {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()
	return s.shutdown
}

// Shutdown tears the service down: listener, connections, timers. Safe to
// call more than once.
func (s *Service) Shutdown() {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()
	if s.shutdown {
		return
	}
	s.logger.Info("shutting down", "coord", s.coord.String())
	s.shutdown = true
	close(s.shutdownCh)

	s.wheel.Stop()
	s.server.Shutdown()

	s.clientLock.Lock()
	for _, c := range s.clients {
		c.Close()
	}
	s.clientLock.Unlock()
}

func (s *Service) handleEcho(_ context.Context, req *Request) (interface{}, error) {
	var args struct {
		Text string `json:"text"`
	}
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	return args.Text, nil
}

func (s *Service) handleQuit(_ context.Context, req *Request) (interface{}, error) {
	var args struct {
		Reason string `json:"reason"`
	}
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	s.logger.Info("quit requested", "reason", args.Reason, "remote", req.Remote)
	// Delay so the reply reaches the caller before the listener dies.
	time.AfterFunc(100*time.Millisecond, s.Shutdown)
	return nil, nil
}
