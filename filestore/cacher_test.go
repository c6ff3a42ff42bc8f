// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package filestore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/gavel/ci"
	"github.com/hashicorp/gavel/helper/testlog"
	"github.com/hashicorp/gavel/rpc"
	"github.com/hashicorp/gavel/structs"
)

func newTestCacher(t *testing.T) (*Cacher, *Backend) {
	t.Helper()
	backend := newTestBackend(t, 1<<20)
	coord := rpc.ServiceCoord{Name: "Worker", Shard: 3}
	c, err := NewCacher(NewLocalBackend(backend), t.TempDir(), coord, testlog.HCLogger(t))
	must.NoError(t, err)
	return c, backend
}

func TestCacher_CacheTreeLayout(t *testing.T) {
	ci.Parallel(t)

	root := t.TempDir()
	backend := newTestBackend(t, 1<<20)
	coord := rpc.ServiceCoord{Name: "Worker", Shard: 3}
	c, err := NewCacher(NewLocalBackend(backend), root, coord, testlog.HCLogger(t))
	must.NoError(t, err)

	must.Eq(t, filepath.Join(root, "fs-cache-Worker-3", "objects"), c.dir)
	fi, err := os.Stat(c.dir)
	must.NoError(t, err)
	must.True(t, fi.IsDir())
}

func TestCacher_MissThenHit(t *testing.T) {
	ci.Parallel(t)

	c, backend := newTestCacher(t)
	digest, err := backend.PutBytes([]byte("cache me"), "cached file")
	must.NoError(t, err)

	// Miss: fetched from the backend and kept locally.
	content, err := c.GetFileContent(storeCtx(t), digest)
	must.NoError(t, err)
	must.Eq(t, "cache me", string(content))

	_, err = os.Stat(filepath.Join(c.dir, digest))
	must.NoError(t, err)

	// Hit: served from the cache.
	content, err = c.GetFileContent(storeCtx(t), digest)
	must.NoError(t, err)
	must.Eq(t, "cache me", string(content))
}

func TestCacher_LivenessCheck(t *testing.T) {
	ci.Parallel(t)

	c, backend := newTestCacher(t)
	digest, err := backend.PutBytes([]byte("soon gone"), "doomed")
	must.NoError(t, err)

	_, err = c.GetFileContent(storeCtx(t), digest)
	must.NoError(t, err)

	// Deleting store side must not be masked by the cached copy.
	must.NoError(t, backend.Delete(digest))

	_, err = c.GetFileContent(storeCtx(t), digest)
	must.Error(t, err)
	must.True(t, structs.IsErrNotFound(err))

	// The stale cache entry is dropped.
	_, err = os.Stat(filepath.Join(c.dir, digest))
	must.True(t, os.IsNotExist(err))
}

func TestCacher_PutSeedsCache(t *testing.T) {
	ci.Parallel(t)

	c, backend := newTestCacher(t)

	digest, err := c.PutFileContent(storeCtx(t), []byte("written through"), "seeded")
	must.NoError(t, err)
	must.True(t, backend.Exists(digest))

	_, err = os.Stat(filepath.Join(c.dir, digest))
	must.NoError(t, err)
}

func TestCacher_PutFileFromPath(t *testing.T) {
	ci.Parallel(t)

	c, backend := newTestCacher(t)

	src := filepath.Join(t.TempDir(), "source.txt")
	must.NoError(t, os.WriteFile(src, []byte("from disk"), 0o644))

	digest, err := c.PutFileFromPath(storeCtx(t), src, "a source file")
	must.NoError(t, err)
	must.True(t, backend.Exists(digest))

	content, err := c.GetFileContent(storeCtx(t), digest)
	must.NoError(t, err)
	must.Eq(t, "from disk", string(content))
}

func TestCacher_GetFileToPath(t *testing.T) {
	ci.Parallel(t)

	c, backend := newTestCacher(t)
	digest, err := backend.PutBytes([]byte("copy me out"), "exported")
	must.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out.txt")
	must.NoError(t, c.GetFileToPath(storeCtx(t), digest, dest))

	content, err := os.ReadFile(dest)
	must.NoError(t, err)
	must.Eq(t, "copy me out", string(content))
}

func TestCacher_MalformedDigest(t *testing.T) {
	ci.Parallel(t)

	c, _ := newTestCacher(t)

	_, err := c.GetFile(storeCtx(t), "../../../etc/passwd")
	must.Error(t, err)
	must.StrContains(t, err.Error(), "malformed digest")

	err = c.Delete(storeCtx(t), "nope")
	must.Error(t, err)
	must.StrContains(t, err.Error(), "malformed digest")
}

func TestCacher_Delete(t *testing.T) {
	ci.Parallel(t)

	c, backend := newTestCacher(t)
	digest, err := c.PutFileContent(storeCtx(t), []byte("erase me"), "victim")
	must.NoError(t, err)

	must.NoError(t, c.Delete(storeCtx(t), digest))
	must.False(t, backend.Exists(digest))

	_, err = os.Stat(filepath.Join(c.dir, digest))
	must.True(t, os.IsNotExist(err))
}

func TestCacher_Purge(t *testing.T) {
	ci.Parallel(t)

	c, backend := newTestCacher(t)
	digest, err := backend.PutBytes([]byte("still stored"), "survives purge")
	must.NoError(t, err)

	_, err = c.GetFileContent(storeCtx(t), digest)
	must.NoError(t, err)

	must.NoError(t, c.Purge())
	entries, err := os.ReadDir(c.dir)
	must.NoError(t, err)
	must.Len(t, 0, entries)

	// Backend content is untouched; the next read refills the cache.
	content, err := c.GetFileContent(storeCtx(t), digest)
	must.NoError(t, err)
	must.Eq(t, "still stored", string(content))
}

// TestCacher_RemoteBackend exercises the cacher over the RPC transport
// instead of a colocated backend.
func TestCacher_RemoteBackend(t *testing.T) {
	ci.Parallel(t)

	_, client := newTestStore(t)
	coord := rpc.ServiceCoord{Name: "Worker", Shard: 0}
	c, err := NewCacher(NewRemoteBackend(client), t.TempDir(), coord, testlog.HCLogger(t))
	must.NoError(t, err)

	payload := bytes.Repeat([]byte("remote"), ChunkSize/4)
	digest, err := c.PutFileContent(storeCtx(t), payload, "remote payload")
	must.NoError(t, err)

	content, err := c.GetFileContent(storeCtx(t), digest)
	must.NoError(t, err)
	must.Eq(t, payload, content)

	desc, err := c.Describe(storeCtx(t), digest)
	must.NoError(t, err)
	must.Eq(t, "remote payload", desc)
}
