// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package filestore implements content addressed file storage: the on-disk
// backend, the RPC service exposing it to the mesh, and the per process
// cacher every grading service reads and writes files through.
package filestore

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/gavel/structs"
)

// ChunkSize is the unit of file transfer between services.
const ChunkSize = 1 << 20

// Backend is the on-disk store: objects/<digest> holds immutable content,
// descriptions/<digest> a human readable label. Writes go through a temp
// file renamed into place once the digest is known, so a reader never
// observes partial content.
type Backend struct {
	logger  hclog.Logger
	root    string
	maxSize int64
}

// NewBackend opens (creating if needed) the store rooted at root.
func NewBackend(root string, maxSize int64, logger hclog.Logger) (*Backend, error) {
	for _, dir := range []string{"objects", "descriptions", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	return &Backend{
		logger:  logger.Named("filestore"),
		root:    root,
		maxSize: maxSize,
	}, nil
}

// ValidDigest reports whether s looks like a SHA-1 hex digest. Digests are
// used as filenames, so nothing else may ever reach the filesystem layer.
func ValidDigest(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, r := range s {
		ok := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')
		if !ok {
			return false
		}
	}
	return true
}

func (b *Backend) objectPath(digest string) string {
	return filepath.Join(b.root, "objects", digest)
}

func (b *Backend) descriptionPath(digest string) string {
	return filepath.Join(b.root, "descriptions", digest)
}

// TempFile creates a staging file inside the store, suitable for renaming
// into place later.
func (b *Backend) TempFile() (*os.File, error) {
	return os.CreateTemp(filepath.Join(b.root, "tmp"), "put-*")
}

// Put streams r into the store and returns its SHA-1 hex digest. Duplicate
// content is deduplicated; the description is updated either way.
func (b *Backend) Put(r io.Reader, description string) (string, error) {
	tmp, err := b.TempFile()
	if err != nil {
		return "", err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hasher := sha1.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(r, b.maxSize+1))
	if err != nil {
		return "", fmt.Errorf("writing object: %w", err)
	}
	if size > b.maxSize {
		return "", fmt.Errorf("object exceeds maximum size of %s", humanize.IBytes(uint64(b.maxSize)))
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("syncing object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if !b.Exists(digest) {
		if err := os.Rename(tmp.Name(), b.objectPath(digest)); err != nil {
			return "", fmt.Errorf("storing object %s: %w", digest, err)
		}
	}
	if err := os.WriteFile(b.descriptionPath(digest), []byte(description), 0o644); err != nil {
		return "", fmt.Errorf("storing description %s: %w", digest, err)
	}

	metrics.IncrCounter([]string{"gavel", "filestore", "put"}, 1)
	b.logger.Debug("stored object", "digest", digest, "size", humanize.IBytes(uint64(size)), "description", description)
	return digest, nil
}

// PutBytes is Put for in-memory content.
func (b *Backend) PutBytes(content []byte, description string) (string, error) {
	return b.Put(bytes.NewReader(content), description)
}

// Open returns a reader over a stored object.
func (b *Backend) Open(digest string) (*os.File, error) {
	if !ValidDigest(digest) {
		return nil, fmt.Errorf("malformed digest %q", digest)
	}
	f, err := os.Open(b.objectPath(digest))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("object %s: %w", digest, structs.ErrNotFound)
	}
	return f, err
}

// ReadRange returns size bytes starting at start; size < 0 means to end of
// file. Reading past the end returns the available prefix, possibly empty.
func (b *Backend) ReadRange(digest string, start, size int64) ([]byte, error) {
	f, err := b.Open(digest)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			return nil, err
		}
	}
	var r io.Reader = f
	if size >= 0 {
		r = io.LimitReader(f, size)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	metrics.IncrCounter([]string{"gavel", "filestore", "get"}, 1)
	return data, nil
}

// Size returns the stored object's length in bytes.
func (b *Backend) Size(digest string) (int64, error) {
	if !ValidDigest(digest) {
		return 0, fmt.Errorf("malformed digest %q", digest)
	}
	fi, err := os.Stat(b.objectPath(digest))
	if os.IsNotExist(err) {
		return 0, fmt.Errorf("object %s: %w", digest, structs.ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Exists reports whether the digest is stored.
func (b *Backend) Exists(digest string) bool {
	if !ValidDigest(digest) {
		return false
	}
	_, err := os.Stat(b.objectPath(digest))
	return err == nil
}

// Describe returns the stored description.
func (b *Backend) Describe(digest string) (string, error) {
	if !ValidDigest(digest) {
		return "", fmt.Errorf("malformed digest %q", digest)
	}
	data, err := os.ReadFile(b.descriptionPath(digest))
	if os.IsNotExist(err) {
		return "", fmt.Errorf("object %s: %w", digest, structs.ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Delete removes an object and its description.
func (b *Backend) Delete(digest string) error {
	if !ValidDigest(digest) {
		return fmt.Errorf("malformed digest %q", digest)
	}
	err := os.Remove(b.objectPath(digest))
	if os.IsNotExist(err) {
		return fmt.Errorf("object %s: %w", digest, structs.ErrNotFound)
	}
	if err != nil {
		return err
	}
	os.Remove(b.descriptionPath(digest))
	metrics.IncrCounter([]string{"gavel", "filestore", "delete"}, 1)
	return nil
}
