// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package filestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/gavel/rpc"
	"github.com/hashicorp/gavel/structs"
)

// CacherBackend is the source of truth a Cacher pulls from and pushes to.
// RemoteBackend speaks to a file store shard over RPC; LocalBackend wraps a
// colocated Backend directly.
type CacherBackend interface {
	// Exists reports whether the backend still holds the digest.
	Exists(ctx context.Context, digest string) (bool, error)

	// Get streams the whole file into w.
	Get(ctx context.Context, digest string, w io.Writer) error

	// Put streams a new file from r and returns its digest.
	Put(ctx context.Context, r io.Reader, description string) (string, error)

	// Delete removes the file. Deleting an absent digest is not an error.
	Delete(ctx context.Context, digest string) error

	// Describe returns the file's description.
	Describe(ctx context.Context, digest string) (string, error)
}

// RemoteBackend reaches a file store shard through its RPC surface, moving
// content in ChunkSize pieces so a single frame never grows with the file.
type RemoteBackend struct {
	client *rpc.Client
}

// NewRemoteBackend wraps an RPC client pointed at a file store shard.
func NewRemoteBackend(client *rpc.Client) *RemoteBackend {
	return &RemoteBackend{client: client}
}

func (r *RemoteBackend) Exists(ctx context.Context, digest string) (bool, error) {
	var present bool
	err := r.client.Call(ctx, structs.FSMethodIsFilePresent, &structs.DigestArgs{Digest: digest}, &present)
	return present, err
}

// Get fetches ranges until a short read signals end of file.
func (r *RemoteBackend) Get(ctx context.Context, digest string, w io.Writer) error {
	var start int64
	size := int64(ChunkSize)
	for {
		args := structs.GetFileArgs{Digest: digest, Start: start, ChunkSize: &size}
		var buf []byte
		if err := r.client.Call(ctx, structs.FSMethodGetFile, &args, &buf); err != nil {
			return err
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
		start += int64(len(buf))
		if int64(len(buf)) < size {
			return nil
		}
	}
}

// Put uploads in chunks, reading one chunk ahead so the last one is sent
// flagged final and its reply carries the digest.
func (r *RemoteBackend) Put(ctx context.Context, rd io.Reader, description string) (string, error) {
	var (
		ref  string
		cur  = make([]byte, ChunkSize)
		next = make([]byte, ChunkSize)
	)
	curN, err := readChunk(rd, cur)
	if err != nil {
		return "", err
	}
	for {
		nextN, err := readChunk(rd, next)
		if err != nil {
			return "", err
		}
		args := structs.PutFileArgs{ChunkRef: ref, Final: nextN == 0}
		if ref == "" {
			args.Description = description
		}
		var reply structs.PutFileReply
		if err := r.client.CallBinary(ctx, structs.FSMethodPutFile, &args, cur[:curN], &reply); err != nil {
			return "", err
		}
		if args.Final {
			return reply.Digest, nil
		}
		ref = reply.ChunkRef
		cur, next = next, cur
		curN = nextN
	}
}

func (r *RemoteBackend) Delete(ctx context.Context, digest string) error {
	var ok bool
	return r.client.Call(ctx, structs.FSMethodDelete, &structs.DigestArgs{Digest: digest}, &ok)
}

func (r *RemoteBackend) Describe(ctx context.Context, digest string) (string, error) {
	var desc string
	err := r.client.Call(ctx, structs.FSMethodDescribe, &structs.DigestArgs{Digest: digest}, &desc)
	return desc, err
}

// readChunk fills buf as far as the reader allows. Zero bytes with a nil
// error means the reader is exhausted.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return n, nil
	}
	return n, err
}

// LocalBackend serves a Cacher straight from a Backend on the same host.
type LocalBackend struct {
	b *Backend
}

// NewLocalBackend wraps a colocated store.
func NewLocalBackend(b *Backend) *LocalBackend {
	return &LocalBackend{b: b}
}

func (l *LocalBackend) Exists(_ context.Context, digest string) (bool, error) {
	return l.b.Exists(digest), nil
}

func (l *LocalBackend) Get(_ context.Context, digest string, w io.Writer) error {
	f, err := l.b.Open(digest)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

func (l *LocalBackend) Put(_ context.Context, r io.Reader, description string) (string, error) {
	return l.b.Put(r, description)
}

func (l *LocalBackend) Delete(_ context.Context, digest string) error {
	if err := l.b.Delete(digest); err != nil && !structs.IsErrNotFound(err) {
		return err
	}
	return nil
}

func (l *LocalBackend) Describe(_ context.Context, digest string) (string, error) {
	return l.b.Describe(digest)
}

// Cacher is the per process face of the file store. Reads land in a local
// content addressed cache so a file crossing the network once is enough;
// writes go through to the backend and seed the cache on the way.
//
// A cache hit still asks the backend whether the digest is alive, so a file
// deleted store side cannot be resurrected from a stale cache.
type Cacher struct {
	backend CacherBackend
	dir     string
	tmpDir  string
	logger  hclog.Logger
}

// NewCacher builds the cache tree for the owning service under cacheRoot.
// Each coordinate gets its own tree so concurrent services on one host never
// share cache state.
func NewCacher(backend CacherBackend, cacheRoot string, coord rpc.ServiceCoord, logger hclog.Logger) (*Cacher, error) {
	base := filepath.Join(cacheRoot, fmt.Sprintf("fs-cache-%s-%d", coord.Name, coord.Shard))
	c := &Cacher{
		backend: backend,
		dir:     filepath.Join(base, "objects"),
		tmpDir:  filepath.Join(base, "tmp"),
		logger:  logger.Named("cacher"),
	}
	for _, d := range []string{c.dir, c.tmpDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("creating cache dir: %w", err)
		}
	}
	return c, nil
}

// GetFile returns an open handle on the cached copy of digest, fetching it
// from the backend on a miss. The caller closes the handle.
func (c *Cacher) GetFile(ctx context.Context, digest string) (*os.File, error) {
	if !ValidDigest(digest) {
		return nil, fmt.Errorf("malformed digest %q", digest)
	}
	path := filepath.Join(c.dir, digest)

	if f, err := os.Open(path); err == nil {
		alive, err := c.backend.Exists(ctx, digest)
		if err != nil {
			f.Close()
			return nil, err
		}
		if !alive {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("file %s: %w", digest, structs.ErrNotFound)
		}
		metrics.IncrCounter([]string{"gavel", "cacher", "hit"}, 1)
		return f, nil
	}

	metrics.IncrCounter([]string{"gavel", "cacher", "miss"}, 1)
	if err := c.fetch(ctx, digest, path); err != nil {
		return nil, err
	}
	return os.Open(path)
}

// fetch downloads digest into the cache. The rename keeps concurrent readers
// from ever observing a partial file.
func (c *Cacher) fetch(ctx context.Context, digest, path string) error {
	tmp, err := os.CreateTemp(c.tmpDir, "fetch-*")
	if err != nil {
		return fmt.Errorf("creating staging file: %w", err)
	}
	defer os.Remove(tmp.Name())

	start := time.Now()
	if err := c.backend.Get(ctx, digest, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	c.logger.Debug("fetched file into cache", "digest", digest, "elapsed", time.Since(start))
	return nil
}

// GetFileContent returns the whole file as a byte slice.
func (c *Cacher) GetFileContent(ctx context.Context, digest string) ([]byte, error) {
	f, err := c.GetFile(ctx, digest)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// GetFileToPath copies the file to dest, creating or truncating it.
func (c *Cacher) GetFileToPath(ctx context.Context, digest, dest string) error {
	f, err := c.GetFile(ctx, digest)
	if err != nil {
		return err
	}
	defer f.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, f); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// PutFileContent stores content in the backend and seeds the local cache.
func (c *Cacher) PutFileContent(ctx context.Context, content []byte, description string) (string, error) {
	digest, err := c.backend.Put(ctx, bytes.NewReader(content), description)
	if err != nil {
		return "", err
	}
	c.seed(digest, bytes.NewReader(content))
	return digest, nil
}

// PutFileFromPath stores the file at path in the backend and seeds the local
// cache.
func (c *Cacher) PutFileFromPath(ctx context.Context, path, description string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	digest, err := c.backend.Put(ctx, f, description)
	if err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err == nil {
		c.seed(digest, f)
	}
	return digest, nil
}

// seed copies freshly stored content into the cache so the next read is a
// hit. Failures only cost a future miss, so they are logged and swallowed.
func (c *Cacher) seed(digest string, r io.Reader) {
	path := filepath.Join(c.dir, digest)
	if _, err := os.Stat(path); err == nil {
		return
	}
	tmp, err := os.CreateTemp(c.tmpDir, "seed-*")
	if err != nil {
		c.logger.Warn("cache seed failed", "digest", digest, "error", err)
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		c.logger.Warn("cache seed failed", "digest", digest, "error", err)
		return
	}
	if err := tmp.Close(); err != nil {
		return
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		c.logger.Warn("cache seed failed", "digest", digest, "error", err)
	}
}

// Describe returns the backend's description of the file.
func (c *Cacher) Describe(ctx context.Context, digest string) (string, error) {
	return c.backend.Describe(ctx, digest)
}

// Delete removes the file from the backend and the local cache.
func (c *Cacher) Delete(ctx context.Context, digest string) error {
	if !ValidDigest(digest) {
		return fmt.Errorf("malformed digest %q", digest)
	}
	os.Remove(filepath.Join(c.dir, digest))
	return c.backend.Delete(ctx, digest)
}

// Purge drops every cached file, leaving backend content alone.
func (c *Cacher) Purge() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
