// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package filestore

import (
	"bytes"
	"context"
	"crypto/sha1"
	"fmt"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/gavel/ci"
	"github.com/hashicorp/gavel/config"
	"github.com/hashicorp/gavel/helper/testlog"
	"github.com/hashicorp/gavel/rpc"
	"github.com/hashicorp/gavel/structs"
	"github.com/hashicorp/gavel/testutil"
)

// newTestStore starts a file store shard on a loopback port and returns it
// with a connected client.
func newTestStore(t *testing.T) (*Service, *rpc.Client) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.CacheDir = t.TempDir()
	cfg.TempDir = t.TempDir()
	cfg.CoreServices = map[string][]config.HostPort{
		structs.ServiceNameFileStore: {{Host: "127.0.0.1", Port: ci.PortAllocator.One()}},
	}

	svc, err := NewService(cfg, 0, testlog.HCLogger(t))
	must.NoError(t, err)
	t.Cleanup(svc.Shutdown)

	admin, err := rpc.NewService(rpc.ServiceCoord{Name: "TestAdmin"}, cfg, testlog.HCLogger(t))
	must.NoError(t, err)
	t.Cleanup(admin.Shutdown)

	c := admin.Connect(rpc.ServiceCoord{Name: structs.ServiceNameFileStore})
	testutil.WaitForResult(func() (bool, error) {
		return c.Connected(), nil
	}, func(err error) {
		t.Fatalf("client never connected")
	})
	return svc, c
}

func storeCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestService_ChunkedRoundTrip(t *testing.T) {
	ci.Parallel(t)

	_, c := newTestStore(t)
	rb := NewRemoteBackend(c)

	// Two full chunks plus a partial tail.
	payload := make([]byte, 2*ChunkSize+ChunkSize/2)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	digest, err := rb.Put(storeCtx(t), bytes.NewReader(payload), "chunked payload")
	must.NoError(t, err)
	must.Eq(t, fmt.Sprintf("%x", sha1.Sum(payload)), digest)

	present, err := rb.Exists(storeCtx(t), digest)
	must.NoError(t, err)
	must.True(t, present)

	var buf bytes.Buffer
	must.NoError(t, rb.Get(storeCtx(t), digest, &buf))
	must.Eq(t, payload, buf.Bytes())

	desc, err := rb.Describe(storeCtx(t), digest)
	must.NoError(t, err)
	must.Eq(t, "chunked payload", desc)
}

func TestService_PutExactChunk(t *testing.T) {
	ci.Parallel(t)

	_, c := newTestStore(t)
	rb := NewRemoteBackend(c)

	payload := bytes.Repeat([]byte{0x42}, ChunkSize)
	digest, err := rb.Put(storeCtx(t), bytes.NewReader(payload), "one chunk exactly")
	must.NoError(t, err)
	must.Eq(t, fmt.Sprintf("%x", sha1.Sum(payload)), digest)

	var buf bytes.Buffer
	must.NoError(t, rb.Get(storeCtx(t), digest, &buf))
	must.Eq(t, len(payload), buf.Len())
}

func TestService_PutEmpty(t *testing.T) {
	ci.Parallel(t)

	_, c := newTestStore(t)
	rb := NewRemoteBackend(c)

	digest, err := rb.Put(storeCtx(t), bytes.NewReader(nil), "empty file")
	must.NoError(t, err)
	must.Eq(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", digest)

	var buf bytes.Buffer
	must.NoError(t, rb.Get(storeCtx(t), digest, &buf))
	must.Eq(t, 0, buf.Len())
}

func TestService_GetRange(t *testing.T) {
	ci.Parallel(t)

	svc, c := newTestStore(t)

	digest, err := svc.Backend().PutBytes([]byte("0123456789"), "digits")
	must.NoError(t, err)

	size := int64(4)
	var data []byte
	err = c.Call(storeCtx(t), structs.FSMethodGetFile,
		&structs.GetFileArgs{Digest: digest, Start: 3, ChunkSize: &size}, &data)
	must.NoError(t, err)
	must.Eq(t, "3456", string(data))

	// nil ChunkSize reads to end of file.
	err = c.Call(storeCtx(t), structs.FSMethodGetFile,
		&structs.GetFileArgs{Digest: digest, Start: 6}, &data)
	must.NoError(t, err)
	must.Eq(t, "6789", string(data))
}

func TestService_GetMissing(t *testing.T) {
	ci.Parallel(t)

	_, c := newTestStore(t)
	rb := NewRemoteBackend(c)

	var buf bytes.Buffer
	err := rb.Get(storeCtx(t), "ffffffffffffffffffffffffffffffffffffffff", &buf)
	must.Error(t, err)
	must.True(t, structs.IsErrNotFound(err))
}

func TestService_Delete(t *testing.T) {
	ci.Parallel(t)

	svc, c := newTestStore(t)

	digest, err := svc.Backend().PutBytes([]byte("doomed"), "doomed")
	must.NoError(t, err)

	var ok bool
	must.NoError(t, c.Call(storeCtx(t), structs.FSMethodDelete, &structs.DigestArgs{Digest: digest}, &ok))
	must.True(t, ok)

	// Deleting again reports false rather than an error.
	must.NoError(t, c.Call(storeCtx(t), structs.FSMethodDelete, &structs.DigestArgs{Digest: digest}, &ok))
	must.False(t, ok)

	var present bool
	must.NoError(t, c.Call(storeCtx(t), structs.FSMethodIsFilePresent, &structs.DigestArgs{Digest: digest}, &present))
	must.False(t, present)
}

func TestService_UnknownChunkRef(t *testing.T) {
	ci.Parallel(t)

	_, c := newTestStore(t)

	var reply structs.PutFileReply
	err := c.CallBinary(storeCtx(t), structs.FSMethodPutFile,
		&structs.PutFileArgs{ChunkRef: "bogus", Final: true}, []byte("data"), &reply)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "unknown chunk_ref")
}

func TestService_SweepAbandonedUploads(t *testing.T) {
	ci.Parallel(t)

	svc, c := newTestStore(t)

	// Open an upload and never finish it.
	var reply structs.PutFileReply
	err := c.CallBinary(storeCtx(t), structs.FSMethodPutFile,
		&structs.PutFileArgs{Description: "never finished"}, []byte("partial"), &reply)
	must.NoError(t, err)
	must.NotEq(t, "", reply.ChunkRef)

	svc.mu.Lock()
	up := svc.uploads[reply.ChunkRef]
	up.started = time.Now().Add(-2 * uploadTTL)
	svc.mu.Unlock()

	must.True(t, svc.sweepUploads())

	svc.mu.Lock()
	_, stillThere := svc.uploads[reply.ChunkRef]
	svc.mu.Unlock()
	must.False(t, stillThere)

	// The continuation token is now dead.
	err = c.CallBinary(storeCtx(t), structs.FSMethodPutFile,
		&structs.PutFileArgs{ChunkRef: reply.ChunkRef, Final: true}, []byte("more"), &reply)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "unknown chunk_ref")
}
