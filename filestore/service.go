// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/hashicorp/gavel/config"
	"github.com/hashicorp/gavel/rpc"
	"github.com/hashicorp/gavel/structs"
)

// uploadTTL is how long an unfinished chunked upload is kept before the
// sweeper reclaims its staging file.
const uploadTTL = time.Hour

// Service exposes a Backend to the mesh: chunked puts via continuation
// tokens, ranged gets as binary responses, and the presence/describe/delete
// surface the cachers rely on.
type Service struct {
	svc     *rpc.Service
	backend *Backend
	logger  hclog.Logger

	mu      sync.Mutex
	uploads map[string]*upload
}

type upload struct {
	file        *os.File
	size        int64
	description string
	started     time.Time
}

// NewService starts the file store service for the given shard.
func NewService(cfg *config.Config, shard int, logger hclog.Logger) (*Service, error) {
	coord := rpc.ServiceCoord{Name: structs.ServiceNameFileStore, Shard: shard}
	base, err := rpc.NewService(coord, cfg, logger)
	if err != nil {
		return nil, err
	}

	backend, err := NewBackend(filepath.Join(cfg.DataDir, "fs"), cfg.MaxFileSize, logger)
	if err != nil {
		base.Shutdown()
		return nil, err
	}

	s := &Service{
		svc:     base,
		backend: backend,
		logger:  logger.Named("filestore"),
		uploads: make(map[string]*upload),
	}

	base.Register(structs.FSMethodPutFile, rpc.FlagCallable|rpc.FlagThreaded, s.handlePutFile)
	base.Register(structs.FSMethodGetFile, rpc.FlagCallable|rpc.FlagBinaryResponse|rpc.FlagThreaded, s.handleGetFile)
	base.Register(structs.FSMethodDelete, rpc.FlagCallable, s.handleDelete)
	base.Register(structs.FSMethodDescribe, rpc.FlagCallable, s.handleDescribe)
	base.Register(structs.FSMethodIsFilePresent, rpc.FlagCallable, s.handleIsFilePresent)

	base.AddTimer("upload-sweep", uploadTTL/4, false, s.sweepUploads)
	return s, nil
}

// Backend returns the underlying store, used when another service runs
// colocated with the file store.
func (s *Service) Backend() *Backend { return s.backend }

// RPC exposes the underlying service runtime.
func (s *Service) RPC() *rpc.Service { return s.svc }

// Run blocks until shutdown.
func (s *Service) Run() { s.svc.Run() }

// Shutdown stops the service and abandons unfinished uploads.
func (s *Service) Shutdown() {
	s.svc.Shutdown()
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref, up := range s.uploads {
		s.discard(up)
		delete(s.uploads, ref)
	}
}

func (s *Service) handlePutFile(_ context.Context, req *rpc.Request) (interface{}, error) {
	var args structs.PutFileArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}

	var up *upload
	ref := args.ChunkRef
	if ref == "" {
		f, err := s.backend.TempFile()
		if err != nil {
			return nil, err
		}
		ref, err = uuid.GenerateUUID()
		if err != nil {
			f.Close()
			os.Remove(f.Name())
			return nil, err
		}
		up = &upload{file: f, description: args.Description, started: time.Now()}
		s.mu.Lock()
		s.uploads[ref] = up
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		up = s.uploads[ref]
		s.mu.Unlock()
		if up == nil {
			return nil, fmt.Errorf("unknown chunk_ref %q", ref)
		}
	}

	if _, err := up.file.Write(req.Binary); err != nil {
		s.abort(ref, up)
		return nil, fmt.Errorf("writing chunk: %w", err)
	}
	up.size += int64(len(req.Binary))
	if up.size > s.backend.maxSize {
		s.abort(ref, up)
		return nil, fmt.Errorf("upload exceeds maximum file size")
	}

	if !args.Final {
		return structs.PutFileReply{ChunkRef: ref}, nil
	}

	s.mu.Lock()
	delete(s.uploads, ref)
	s.mu.Unlock()
	defer s.discard(up)

	if _, err := up.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	digest, err := s.backend.Put(up.file, up.description)
	if err != nil {
		return nil, err
	}
	return structs.PutFileReply{Digest: digest}, nil
}

func (s *Service) handleGetFile(_ context.Context, req *rpc.Request) (interface{}, error) {
	var args structs.GetFileArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	size := int64(-1)
	if args.ChunkSize != nil {
		size = *args.ChunkSize
	}
	return s.backend.ReadRange(args.Digest, args.Start, size)
}

func (s *Service) handleDelete(_ context.Context, req *rpc.Request) (interface{}, error) {
	var args structs.DigestArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	if err := s.backend.Delete(args.Digest); err != nil {
		if structs.IsErrNotFound(err) {
			return false, nil
		}
		return nil, err
	}
	return true, nil
}

func (s *Service) handleDescribe(_ context.Context, req *rpc.Request) (interface{}, error) {
	var args structs.DigestArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	return s.backend.Describe(args.Digest)
}

func (s *Service) handleIsFilePresent(_ context.Context, req *rpc.Request) (interface{}, error) {
	var args structs.DigestArgs
	if err := req.Decode(&args); err != nil {
		return nil, err
	}
	return s.backend.Exists(args.Digest), nil
}

// sweepUploads drops chunked uploads whose client went away.
func (s *Service) sweepUploads() bool {
	cutoff := time.Now().Add(-uploadTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for ref, up := range s.uploads {
		if up.started.Before(cutoff) {
			s.logger.Warn("reclaiming abandoned upload", "chunk_ref", ref, "size", up.size)
			s.discard(up)
			delete(s.uploads, ref)
		}
	}
	return true
}

func (s *Service) abort(ref string, up *upload) {
	s.mu.Lock()
	delete(s.uploads, ref)
	s.mu.Unlock()
	s.discard(up)
}

func (s *Service) discard(up *upload) {
	up.file.Close()
	os.Remove(up.file.Name())
}
