// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package logservice implements the central log sink. Services forward
// their noteworthy log lines here over RPC; the sink writes them through
// its own logger and keeps a bounded ring of recent entries that admin
// tooling can ask for with last_messages.
package logservice

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/gavel/config"
	"github.com/hashicorp/gavel/rpc"
	"github.com/hashicorp/gavel/structs"
)

// lastMessagesCount bounds the ring of recent entries.
const lastMessagesCount = 100

// Service is the log service. One shard 0 instance serves a deployment.
type Service struct {
	svc    *rpc.Service
	cfg    *config.Config
	logger hclog.Logger

	mu   sync.Mutex
	ring []structs.LogEntry // oldest first, at most lastMessagesCount
}

// NewService starts the log service.
func NewService(cfg *config.Config, shard int, logger hclog.Logger) (*Service, error) {
	logger = logger.Named("logservice")

	coord := rpc.ServiceCoord{Name: structs.ServiceNameLog, Shard: shard}
	base, err := rpc.NewService(coord, cfg, logger)
	if err != nil {
		return nil, err
	}

	s := &Service{
		svc:    base,
		cfg:    cfg,
		logger: logger,
	}

	base.Register(structs.LogMethodLog, rpc.FlagCallable, s.handleLog)
	base.Register(structs.LogMethodLastMessages, rpc.FlagCallable, s.handleLastMessages)

	logger.Info("log service ready", "shard", shard)
	return s, nil
}

// Run blocks until the service shuts down.
func (s *Service) Run() { s.svc.Run() }

// Shutdown tears the service down.
func (s *Service) Shutdown() { s.svc.Shutdown() }

// RPC exposes the service's RPC base.
func (s *Service) RPC() *rpc.Service { return s.svc }

func (s *Service) handleLog(_ context.Context, req *rpc.Request) (interface{}, error) {
	var entry structs.LogEntry
	if err := req.Decode(&entry); err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"gavel", "logservice", "received"}, 1)

	s.emit(entry)

	if entry.Severity != structs.LogSeverityDebug {
		s.mu.Lock()
		s.ring = append(s.ring, entry)
		if len(s.ring) > lastMessagesCount {
			s.ring = append(s.ring[:0], s.ring[1:]...)
		}
		s.mu.Unlock()
	}
	return nil, nil
}

func (s *Service) handleLastMessages(context.Context, *rpc.Request) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(structs.LastMessagesReply, len(s.ring))
	copy(out, s.ring)
	return out, nil
}

// emit writes a remote entry through the local logger, mapping the wire
// severity onto a level.
func (s *Service) emit(e structs.LogEntry) {
	args := []interface{}{"service", e.ServiceName, "shard", e.ServiceShard}
	if e.Operation != "" {
		args = append(args, "operation", e.Operation)
	}
	switch e.Severity {
	case structs.LogSeverityDebug:
		s.logger.Debug(e.Message, args...)
	case structs.LogSeverityInfo:
		s.logger.Info(e.Message, args...)
	case structs.LogSeverityWarning:
		s.logger.Warn(e.Message, args...)
	default:
		s.logger.Error(e.Message, args...)
	}
}
